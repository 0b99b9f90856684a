// The mega65dap command bridges a Debug Adapter Protocol client on
// stdin/stdout to a MEGA65 (or Xemu) on-board serial monitor.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/m65dap/bridge/internal/dapio"
)

func main() {
	logFile := flag.String("log-file", "", "write structured logs to this file instead of discarding them")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mega65dap: invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	log.SetLevel(level)

	var out io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mega65dap: opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	log.SetOutput(out)

	session := dapio.NewSession(os.Stdin, os.Stdout, logrus.NewEntry(log))
	if err := session.Serve(); err != nil {
		log.WithError(err).Error("DAP session ended with an error")
		os.Exit(1)
	}
}
