// Command paceval evaluates a PAC script for one or more URLs and prints
// the candidates a proxy would try, in order.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/yolkispalkis/detoxgate/pkg/logging"
	"github.com/yolkispalkis/detoxgate/pkg/pac"
)

func main() {
	var (
		pacFile  string
		charset  string
		myIP     string
		logLevel string
		timeout  time.Duration
	)
	fs := pflag.NewFlagSet("paceval", pflag.ExitOnError)
	fs.StringVarP(&pacFile, "pac-file", "p", "", "PAC file path or http(s) URL (default: DIRECT for everything)")
	fs.StringVar(&charset, "charset", "", "Force the PAC file charset")
	fs.StringVar(&myIP, "my-ip", "", "Address returned by myIpAddress()")
	fs.StringVar(&logLevel, "log-level", "warn", "Log level")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "PAC execution timeout")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: paceval [flags] URL...\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}
	logging.Setup(logLevel, "", "console", os.Stderr)

	if err := run(pacFile, charset, myIP, timeout, fs.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(pacFile, charset, myIP string, timeout time.Duration, targets []string) error {
	ctx := context.Background()
	name, source := "default.pac", pac.DefaultScript
	if pacFile != "" {
		var err error
		source, err = pac.Load(ctx, pacFile, pac.LoadOptions{Charset: charset})
		if err != nil {
			return err
		}
		name = pacFile
	}
	script, err := pac.Compile(name, source)
	if err != nil {
		return err
	}

	dns := pac.NewDNSCache(nil)
	defer dns.Close()
	eval := pac.NewEvaluator(pac.NewStore(script), pac.EvaluatorOptions{Timeout: timeout, Resolver: dns, MyIP: myIP})

	for _, target := range targets {
		u, err := url.Parse(target)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("invalid URL %q", target)
		}
		candidates, err := eval.Evaluate(ctx, target, u.Hostname())
		if err != nil {
			fmt.Printf("%s\terror: %v (a proxy would use DIRECT)\n", target, err)
			continue
		}
		fmt.Printf("%s\t%s\n", target, pac.Format(candidates))
	}
	return nil
}
