package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/shopagent/internal/action"
	"github.com/seantiz/shopagent/internal/model"
	"github.com/seantiz/shopagent/internal/store"
)

func newEnqueueCommand() *cobra.Command {
	var (
		shopID   string
		name     string
		payload  string
		priority int
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a task for the workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shopID = strings.TrimSpace(shopID)
			if shopID == "" {
				return errors.New("--shop must not be empty")
			}

			reg := action.NewRegistry(action.DefaultHandlers()...)
			h, ok := reg.Lookup(name)
			if !ok {
				return fmt.Errorf("unknown action %q (known: %s)", name, strings.Join(reg.Names(), ", "))
			}
			var params map[string]any
			if err := json.Unmarshal([]byte(payload), &params); err != nil {
				return fmt.Errorf("--payload: %w", err)
			}
			if _, err := h.Decode(params); err != nil {
				return err
			}

			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			t := &model.Task{
				ShopID:   shopID,
				Action:   name,
				Payload:  params,
				Priority: priority,
				DryRun:   dryRun,
			}
			if err := db.CreateTask(cmd.Context(), t); err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	cmd.Flags().StringVar(&shopID, "shop", "", "shop ID (required)")
	cmd.Flags().StringVar(&name, "action", "", "action name (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "action payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "read the page without writing changes")
	_ = cmd.MarkFlagRequired("shop")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Move a failed task back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			switch err := db.RequeueTask(cmd.Context(), args[0]); {
			case errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("task %s not found", args[0])
			case errors.Is(err, store.ErrInvalidTransition):
				return fmt.Errorf("task %s is not failed", args[0])
			case err != nil:
				return err
			}
			t, err := db.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func newActionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the registered actions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return printJSON(action.NewRegistry(action.DefaultHandlers()...).List())
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
