/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Command nproxy is the event-driven reverse proxy and static file
// server of spec section 1, wired per spec section 6's CLI contract.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sabouaram/nproxy/internal/config"
	"github.com/sabouaram/nproxy/internal/master"
	nperr "github.com/sabouaram/nproxy/pkg/errors"
)

// version is stamped at build time via -ldflags "-X main.version=...";
// it defaults to this placeholder for local/unstamped builds.
var version = "dev"

func main() {
	var (
		configPath   string
		testOnly     bool
		singleWorker bool
		daemonFlag   bool
		showVersion  bool
	)

	root := &cobra.Command{
		Use:           "nproxy",
		Short:         "event-driven HTTP/1.1 reverse proxy and static file server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "nproxy version %s\n", version)
				return nil
			}

			if _, ok := master.WorkerSlot(); ok {
				if err := master.WorkerMain(configPath); err != nil {
					return err
				}
				return nil
			}

			if testOnly {
				return runTestConfig(configPath)
			}

			if err := master.Run(configPath, daemonFlag, singleWorker); err != nil {
				return err
			}
			return nil
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "nproxy.conf", "configuration file path")
	root.Flags().BoolVarP(&testOnly, "test", "t", false, "test the configuration file and exit")
	root.Flags().BoolVarP(&singleWorker, "single-worker", "w", false, "run a single worker in the foreground, no master fork")
	root.Flags().BoolVarP(&daemonFlag, "daemon", "d", false, "daemonize")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nproxy: "+errMessage(err))
		os.Exit(1)
	}
}

func runTestConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if verr := config.Validate(cfg); verr != nil {
		return verr
	}
	fmt.Fprintf(os.Stdout, "nproxy: configuration file %s is valid\n", path)
	return nil
}

func errMessage(err error) string {
	if e, ok := err.(nperr.Error); ok {
		return e.Error()
	}
	return err.Error()
}
