// Command playbookctl is the operator CLI for the playbook loop: trigger
// checks, transcript finalization, dataset export/import and playbooks.
package main

import (
	"fmt"
	"os"

	"playbook-loop-go/internal/config"
	"playbook-loop-go/internal/db"
	"playbook-loop-go/internal/logger"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithOutput(os.Stderr)

	conn, err := db.Init(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	db.ConfigurePool(conn, cfg)

	app := newCLIApp(db.New(conn), cfg, log)
	err = app.Run(os.Args)
	conn.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
