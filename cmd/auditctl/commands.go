package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/bootstrap"
	"github.com/genecura/go-audit/internal/config"
	"github.com/genecura/go-audit/internal/infrastructure/redpanda"
)

// environment is what the commands need from the outside world. Tests
// replace the openers.
type environment struct {
	cfg    *config.Config
	logger *zap.Logger

	openStores func(ctx context.Context) (*bootstrap.Stores, error)
	openSink   func(ctx context.Context) (audit.BlobSink, error)
	openAdmin  func() (topicAdmin, error)
}

type topicAdmin interface {
	EnsureTopics(ctx context.Context) error
	ListTopics(ctx context.Context) ([]redpanda.TopicDetails, error)
	GetConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error)
	Close()
}

func newEnvironment(cfg *config.Config, logger *zap.Logger) *environment {
	return &environment{
		cfg:    cfg,
		logger: logger,
		openStores: func(ctx context.Context) (*bootstrap.Stores, error) {
			return bootstrap.OpenStores(ctx, cfg, logger)
		},
		openSink: func(ctx context.Context) (audit.BlobSink, error) {
			sink, err := bootstrap.NewSink(ctx, cfg, logger)
			if err != nil || sink == nil {
				return nil, err
			}
			return sink, nil
		},
		openAdmin: func() (topicAdmin, error) {
			return redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		},
	}
}

func newRootCmd(env *environment) *cobra.Command {
	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Inspect and operate the GeneCura audit trail",
		SilenceUsage:  true,
	}
	root.AddCommand(historyCmd(env))
	root.AddCommand(exportCmd(env))
	root.AddCommand(migrateCmd(env))
	root.AddCommand(topicsCmd(env))
	root.AddCommand(tokenCmd(env))
	return root
}

func historyCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <entityType> [entityId]",
		Short: "Print the change timeline of an entity type or a single entity, newest first",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, err := audit.ParseEntityType(args[0])
			if err != nil {
				return err
			}
			var entityID string
			if len(args) == 2 {
				entityID = args[1]
			}
			output, _ := cmd.Flags().GetString("output")

			stores, err := env.openStores(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close()

			entries, err := audit.NewProjector(stores.Audit, nil, env.logger).GetHistory(cmd.Context(), entityType, entityID)
			if err != nil {
				return err
			}
			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			return writeTimeline(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")
	return cmd
}

func writeTimeline(w io.Writer, entries []audit.TimelineEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tACTION\tENTITY\tACTOR\tCORRELATION")
	for _, e := range entries {
		corr := "-"
		if e.CorrelationID != nil {
			corr = *e.CorrelationID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s/%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Action,
			e.EntityType, e.EntityID,
			e.Actor.Role, e.Actor.ID, corr)
	}
	return tw.Flush()
}

func exportCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <entityType>",
		Short: "Write the timeline of an entity type to the export bucket as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, err := audit.ParseEntityType(args[0])
			if err != nil {
				return err
			}
			entityID, _ := cmd.Flags().GetString("entity-id")

			sink, err := env.openSink(cmd.Context())
			if err != nil {
				return err
			}
			if sink == nil {
				return fmt.Errorf("export sink not configured: set S3_BUCKET")
			}
			stores, err := env.openStores(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close()

			exporter, err := audit.NewExporter(audit.NewProjector(stores.Audit, nil, env.logger), sink, env.logger)
			if err != nil {
				return err
			}
			res, err := exporter.Export(cmd.Context(), entityType, entityID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s\n", res.Entries, res.Key)
			return nil
		},
	}
	cmd.Flags().String("entity-id", "", "Export a single entity instead of the whole type")
	return cmd
}

func migrateCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the audit schema for the configured store driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening a store applies its schema idempotently.
			stores, err := env.openStores(cmd.Context())
			if err != nil {
				return err
			}
			stores.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", env.cfg.StoreDriver)
			return nil
		},
	}
}

func topicsCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the audit topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the audit topics if they are missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := env.openAdmin()
			if err != nil {
				return err
			}
			defer admin.Close()
			if err := admin.EnsureTopics(cmd.Context()); err != nil {
				return err
			}
			names := make([]string, 0, len(redpanda.DefaultTopicConfigs()))
			for _, t := range redpanda.DefaultTopicConfigs() {
				names = append(names, t.Name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "topics ready: %s\n", strings.Join(names, ", "))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := env.openAdmin()
			if err != nil {
				return err
			}
			defer admin.Close()
			topics, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TOPIC\tPARTITIONS")
			for _, t := range topics {
				fmt.Fprintf(tw, "%s\t%d\n", t.Name, t.Partitions)
			}
			return tw.Flush()
		},
	})

	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show per-partition lag of a consumer group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")

			admin, err := env.openAdmin()
			if err != nil {
				return err
			}
			defer admin.Close()
			lags, err := admin.GetConsumerGroupLag(cmd.Context(), group)
			if err != nil {
				return err
			}

			topics := slices.Sorted(maps.Keys(lags))
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TOPIC\tPARTITION\tLAG")
			for _, topic := range topics {
				for _, p := range slices.Sorted(maps.Keys(lags[topic])) {
					fmt.Fprintf(tw, "%s\t%d\t%d\n", topic, p, lags[topic][p])
				}
			}
			return tw.Flush()
		},
	}
	lag.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	cmd.AddCommand(lag)
	return cmd
}

func tokenCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed session token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			id, _ := cmd.Flags().GetString("id")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			actor := audit.Actor{Role: audit.ActorRole(role), ID: id}
			if !actor.Role.Valid() {
				return fmt.Errorf("invalid role %q", role)
			}
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			tokens, _ := bootstrap.NewAuth(env.cfg)
			token, err := tokens.Issue(actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("role", "", "Actor role: doctor, geneticist, pharmacologist or admin")
	cmd.Flags().String("id", "", "Actor id")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}
