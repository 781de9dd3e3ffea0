// Command savepoint trains small classifiers with periodic checkpoints and
// inspects, verifies and restores the checkpoints it writes.
//
// Usage:
//
//	savepoint [klog flags] <command> [flags]
//
// Commands:
//
//	train     Train from a YAML config, checkpointing as configured.
//	evaluate  Load a full-model save and evaluate it.
//	latest    Print the latest checkpoint of a directory.
//	list      List the checkpoints of a directory.
//	verify    Re-check checkpoint fingerprints concurrently.
//	inspect   Describe a saved model or weights checkpoint.
//	catalog   Query the sqlite checkpoint catalog.
//	unlock    Remove a stale directory lock.
//	version   Print the version.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
)

const version = "v0.3.0"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"train", "Train from a YAML config, checkpointing as configured.", runTrain},
	{"evaluate", "Load a full-model save and evaluate it.", runEvaluate},
	{"latest", "Print the latest checkpoint of a directory.", runLatest},
	{"list", "List the checkpoints of a directory.", runList},
	{"verify", "Re-check checkpoint fingerprints concurrently.", runVerify},
	{"inspect", "Describe a saved model or weights checkpoint.", runInspect},
	{"catalog", "Query the sqlite checkpoint catalog.", runCatalog},
	{"unlock", "Remove a stale directory lock.", runUnlock},
	{"version", "Print the version.", runVersion},
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [klog flags] <command> [flags]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		_, _ = fmt.Fprintf(out, "  %-9s %s\n", c.name, c.summary)
	}
	_, _ = fmt.Fprintf(out, "\nRun '%s <command> -h' for command flags.\n", os.Args[0])
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	// Ctrl+C cancels training between batches; the last checkpoint stays valid.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := flag.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(ctx, flag.Args()[1:]); err != nil {
			klog.Errorf("%s: %v", name, err)
			klog.V(1).Infof("%+v", err)
			klog.Flush()
			os.Exit(1)
		}
		return
	}
	klog.Errorf("unknown command %q", name)
	usage()
	klog.Flush()
	os.Exit(2)
}

func runVersion(context.Context, []string) error {
	fmt.Printf("savepoint %s\n", version)
	return nil
}
