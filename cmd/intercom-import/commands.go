package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/intercom-etl/pkg/config"
	"github.com/Sternrassler/intercom-etl/pkg/importer"
	"github.com/Sternrassler/intercom-etl/pkg/record"
)

func newCollectionCommand(a *app, name string) *cobra.Command {
	kind, err := record.ParseKind(name)
	if err != nil {
		panic(err)
	}
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Import %s", name),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, im *importer.Importer) error {
				summary, err := im.ImportCollection(ctx, kind)
				if err != nil {
					return err
				}
				printSummary(cmd, summary)
				return nil
			})
		},
	}
}

func newUsersCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Import users, after tags, segments, admins, and conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, im *importer.Importer) error {
				summary, err := im.ImportUsers(ctx)
				if err != nil {
					return err
				}
				printSummary(cmd, summary)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.Int(config.KeyCreatedSince, 0, "only import users created in the last N days (0 imports all)")
	config.MustBindPFlag(a.v, config.KeyCreatedSince, flags.Lookup(config.KeyCreatedSince))
	return cmd
}

func newEventsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Import the events of every stored user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, im *importer.Importer) error {
				res, err := im.ImportEvents(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "events: %d users, %d succeeded, %d failed (%s)\n",
					res.Dispatched, res.Succeeded, res.Failed, res.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}

	d := config.DefaultConfig()
	flags := cmd.Flags()
	flags.Int(config.KeyConcurrency, d.Concurrency, "users whose events are imported concurrently")
	config.MustBindPFlag(a.v, config.KeyConcurrency, flags.Lookup(config.KeyConcurrency))
	flags.Bool(config.KeyShareEventWriter, false, "write every user's events through one shared store handle")
	config.MustBindPFlag(a.v, config.KeyShareEventWriter, flags.Lookup(config.KeyShareEventWriter))
	return cmd
}

func printSummary(cmd *cobra.Command, s importer.Summary) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, %d written, %d failed (%s)\n",
		s.Kind, s.Records, s.Written, s.Failed, s.Duration.Round(time.Millisecond))
}
