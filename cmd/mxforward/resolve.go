package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/mxforward/internal/forward"
	"github.com/busybox42/mxforward/internal/smtperr"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <address>...",
		Short: "Show where addresses are forwarded",
		Long:  "Look up the forwarding TXT records of each address and print its destination",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runResolve,
	}
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	filters, err := loadFilters(ctx, cfg)
	if err != nil {
		return err
	}
	forwarder := forward.New(newResolver(cfg), filters)

	return resolveAll(ctx, cmd, forwarder, args)
}

type lookup interface {
	Resolve(ctx context.Context, recipient string) (string, error)
}

func resolveAll(ctx context.Context, cmd *cobra.Command, forwarder lookup, addresses []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, address := range addresses {
		destination, err := forwarder.Resolve(ctx, address)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: error %d %s\n", address, smtperr.Code(err), smtperr.Message(err))
			continue
		}
		fmt.Fprintf(out, "%s -> %s\n", address, destination)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d addresses could not be resolved", failed, len(addresses))
	}
	return nil
}
