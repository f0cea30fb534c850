// Package main is the quoroom CLI: the engine process plus a few
// local management commands over the same data directory.
//
// Start the engine:
//
//	quoroom serve --config quoroom.yaml
//
// Manage rooms:
//
//	quoroom room create "growth" --objective "find ten design partners"
//	quoroom room list
//	quoroom room pause 3
//
// Apply pending schema migrations without starting the engine:
//
//	quoroom migrate
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quoroom-dev/quoroom/internal/config"
	"github.com/quoroom-dev/quoroom/internal/engine"
	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// Injected via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "quoroom",
		Short:   "Engine for autonomous agent collectives",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML or JSON5)")

	root.AddCommand(buildServeCmd(&configPath))
	root.AddCommand(buildRoomCmd(&configPath))
	root.AddCommand(buildWorkerCmd(&configPath))
	root.AddCommand(buildMigrateCmd(&configPath))
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if env := os.Getenv("QUOROOM_CONFIG"); env != "" {
			path = env
		}
	}
	return config.Load(path)
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(ctx, cfg)
			if err != nil {
				return err
			}
			if err := eng.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return eng.Shutdown(shutdownCtx)
		},
	}
}

func buildRoomCmd(configPath *string) *cobra.Command {
	roomCmd := &cobra.Command{
		Use:   "room",
		Short: "Manage rooms",
	}

	var objective string
	var public bool
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room with its Queen, root goal, and wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			eng, err := engine.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Shutdown(ctx)

			visibility := models.VisibilityPrivate
			if public {
				visibility = models.VisibilityPublic
			}
			room, err := eng.CreateRoom(ctx, args[0], objective, visibility)
			if err != nil {
				return err
			}
			fmt.Printf("room %d created (webhook token %s)\n", room.ID, room.WebhookToken)
			return nil
		},
	}
	createCmd.Flags().StringVar(&objective, "objective", "", "the room's objective (required)")
	createCmd.Flags().BoolVar(&public, "public", false, "register the room publicly")
	createCmd.MarkFlagRequired("objective")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := store.Open(ctx, store.Config{Path: cfg.DBPath()})
			if err != nil {
				return err
			}
			defer s.Close()

			rooms, err := s.ListRooms(ctx, nil)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tOBJECTIVE")
			for _, r := range rooms {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.Name, r.Status, r.Objective)
			}
			return w.Flush()
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a room's loops",
		Args:  cobra.ExactArgs(1),
		RunE:  roomStatusChange(configPath, models.RoomPaused),
	}
	resumeCmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused room",
		Args:  cobra.ExactArgs(1),
		RunE:  roomStatusChange(configPath, models.RoomActive),
	}

	roomCmd.AddCommand(createCmd, listCmd, pauseCmd, resumeCmd)
	return roomCmd
}

// roomStatusChange flips a room's status directly in the store; a
// running engine notices on the room's next cycle read.
func roomStatusChange(configPath *string, status models.RoomStatus) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("room id must be an integer: %w", err)
		}
		ctx := cmd.Context()
		s, err := store.Open(ctx, store.Config{Path: cfg.DBPath()})
		if err != nil {
			return err
		}
		defer s.Close()

		room, err := s.GetRoom(ctx, id)
		if err != nil {
			return err
		}
		if room == nil {
			return fmt.Errorf("room %d not found", id)
		}
		room.Status = status
		if err := s.UpdateRoom(ctx, room); err != nil {
			return err
		}
		fmt.Printf("room %d is now %s\n", id, status)
		return nil
	}
}

func buildWorkerCmd(configPath *string) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
	}

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a worker and re-tally its room's open decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("worker id must be an integer: %w", err)
			}
			ctx := cmd.Context()
			eng, err := engine.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Shutdown(ctx)

			if err := eng.DeleteWorker(ctx, id); err != nil {
				return err
			}
			fmt.Printf("worker %d removed\n", id)
			return nil
		},
	}

	workerCmd.AddCommand(removeCmd)
	return workerCmd
}

func buildMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
				return err
			}
			// Open applies migrations (and stale-run recovery) as a
			// side effect of startup.
			s, err := store.Open(cmd.Context(), store.Config{Path: cfg.DBPath()})
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Println("database is up to date")
			return nil
		},
	}
}
