package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"guardline/internal/config"
	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/escrow"
	"guardline/internal/governor"
	"guardline/internal/governor/limits"
	"guardline/internal/guardrail"
	"guardline/internal/guardrail/exec"
	"guardline/internal/migrate"
	"guardline/internal/repo"
	"guardline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Guardline CLI",
	Long: `Guardline is a trust layer for autonomous agents that move value.
Core concepts:
- Governor: four gates in strict order (preconditions, safety limits, risk,
  authorization) decide whether an action may run. Any failure denies.
- Limits: per-agent rolling counters (daily volume, daily gas, pending slots)
  reserved atomically before approval and reconciled after execution.
- Guardrail: simulate before, verify after, and on failure retry with backoff,
  try alternates, roll back if reversible, or halt the agent until an operator
  clears it.
- Escrow: funds lock until proof of delivery; deadlines settle automatically
  (no proof refunds, client silence releases, expired disputes apply the
  configured default).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GUARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(limitsCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(haltCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
}

// deps bundles everything a command needs against one open database.
type deps struct {
	Repo     repo.Repo
	Config   *config.Config
	Tracker  *limits.Tracker
	Governor *governor.Governor
	Pipeline *guardrail.Pipeline
	Escrow   *escrow.Engine
	Memory   *exec.Memory
}

func withDeps(ctx context.Context, fn func(context.Context, deps) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	tracker := limits.NewTracker(conn, cfg)
	mem := exec.NewMemory()
	d := deps{
		Repo:     repo.Repo{DB: conn},
		Config:   cfg,
		Tracker:  tracker,
		Governor: governor.New(conn, cfg, tracker, mem),
		Pipeline: guardrail.New(conn, cfg, tracker, mem),
		Escrow:   escrow.New(conn, cfg),
		Memory:   mem,
	}
	return fn(ctx, d)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage engine config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configExportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configExportCmd() *cobra.Command {
	var file, engineID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(file); err == nil {
				return fmt.Errorf("%s already exists", file)
			}
			if err := os.WriteFile(file, []byte(config.GenerateDefault(engineID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "output path (default: workspace guardline.yml)")
	cmd.Flags().StringVar(&engineID, "engine-id", "guardline", "engine id")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config path (default: workspace guardline.yml)")
	return cmd
}

func actionCmd() *cobra.Command {
	action := &cobra.Command{
		Use:   "action",
		Short: "Submit and inspect agent actions",
		Long:  "An action request passes the governor's four gates before anything runs. Add --execute to run an approved action through the guardrail pipeline against the in-process executor.",
	}
	action.AddCommand(actionSubmitCmd())
	action.AddCommand(actionShowCmd())
	return action
}

func actionSubmitCmd() *cobra.Command {
	var agentID, actionType, recipient, token, confirmToken string
	var value, gas, fund int64
	var params []string
	var execute bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an action request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || actionType == "" {
				return fmt.Errorf("--agent and --type required")
			}
			paramMap := map[string]string{}
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("invalid --param %q, want key=value", p)
				}
				paramMap[k] = v
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				if fund > 0 {
					d.Memory.Fund(agentID, token, fund)
				}
				req := domain.ActionRequest{
					ID:           uuid.New().String(),
					AgentID:      agentID,
					ActionType:   actionType,
					Recipient:    recipient,
					Token:        token,
					Value:        value,
					Gas:          gas,
					Params:       paramMap,
					ConfirmToken: confirmToken,
				}
				decision, err := d.Governor.Evaluate(ctx, req)
				if err != nil {
					return err
				}
				if !execute || !decision.Approved() {
					if rerr := d.Governor.ReleaseUnexecuted(ctx, decision, req); rerr != nil {
						return rerr
					}
					return printJSONOrTable(decision)
				}
				outcome, err := d.Pipeline.Run(ctx, decision, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"decision": decision,
					"outcome":  outcome,
				})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&actionType, "type", "", "action type (transfer, approve, swap, ...)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient address or handle")
	cmd.Flags().StringVar(&token, "token", "ETH", "token symbol")
	cmd.Flags().Int64Var(&value, "value", 0, "value in base units")
	cmd.Flags().Int64Var(&gas, "gas", 0, "gas budget")
	cmd.Flags().StringArrayVar(&params, "param", nil, "action parameter key=value (repeatable)")
	cmd.Flags().StringVar(&confirmToken, "confirm-token", "", "confirmation token for warn-level risk")
	cmd.Flags().BoolVar(&execute, "execute", false, "run approved action through the guardrail pipeline")
	cmd.Flags().Int64Var(&fund, "fund", 0, "fund the in-process executor balance before running")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <request_id>",
		Short: "Show decision and outcome for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				decision, err := r.GetDecisionByRequest(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"decision": decision}
				if o, err := r.GetOutcome(ctx, args[0]); err == nil {
					out["outcome"] = o
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func decisionCmd() *cobra.Command {
	decision := &cobra.Command{Use: "decision", Short: "Inspect governor decisions"}
	var agentID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDecisions(ctx, agentID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("REQUEST", "AGENT", "TYPE", "OUTCOME", "GATE", "CODE", "AT")
				for _, d := range items {
					t.AppendRow(table.Row{d.RequestID, d.AgentID, d.ActionType, d.Outcome, d.FailingGate, d.ReasonCode, d.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&agentID, "agent", "", "filter by agent")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	decision.AddCommand(list)
	return decision
}

func limitsCmd() *cobra.Command {
	lim := &cobra.Command{Use: "limits", Short: "Inspect limit counters"}
	var agentID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Current counters for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				s, err := d.Tracker.State(ctx, agentID)
				if err != nil {
					return err
				}
				al := d.Config.ForAgent(agentID)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"state": s, "limits": al})
				}
				fmt.Printf("Agent: %s  period %s\n", s.AgentID, s.Period)
				fmt.Printf("  volume: %d / %d\n", s.VolumeUsed, al.DailyVolumeMax)
				fmt.Printf("  gas:    %d / %d\n", s.GasUsed, al.DailyGasMax)
				fmt.Printf("  pending: %d / %d\n", s.PendingTx, al.MaxPending)
				for action, n := range s.RetryCounts {
					fmt.Printf("  retries[%s]: %d\n", action, n)
				}
				return nil
			})
		},
	}
	show.Flags().StringVar(&agentID, "agent", "", "agent id")
	lim.AddCommand(show)
	return lim
}

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escrow",
		Short: "Manage escrows",
		Long:  "Escrows lock funds until proof of delivery. States: created -> escrowed -> proof_submitted -> released, refunded, or disputed; deadlines settle without anyone asking.",
	}
	esc.AddCommand(escrowCreateCmd())
	esc.AddCommand(escrowSplitCmd())
	esc.AddCommand(escrowDepositCmd())
	esc.AddCommand(escrowProofCmd())
	esc.AddCommand(escrowVerifyCmd())
	esc.AddCommand(escrowDisputeCmd())
	esc.AddCommand(escrowResolveCmd())
	esc.AddCommand(escrowShowCmd())
	esc.AddCommand(escrowListCmd())
	esc.AddCommand(escrowGroupCmd())
	esc.AddCommand(escrowSweepCmd())
	esc.AddCommand(escrowSignCmd())
	return esc
}

func escrowCreateCmd() *cobra.Command {
	var opts escrow.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				e, err := d.Escrow.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "unique request id")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client agent id")
	cmd.Flags().StringVar(&opts.WorkerID, "worker", "", "worker agent id")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "amount in base units")
	cmd.Flags().StringVar(&opts.Token, "token", "ETH", "token symbol")
	cmd.Flags().StringVar(&opts.ParentRequestID, "parent", "", "parent escrow request id (sub-escrow)")
	cmd.Flags().StringVar(&opts.ProofDeadline, "proof-deadline", "", "RFC3339 proof deadline override")
	cmd.Flags().StringVar(&opts.VerificationDeadline, "verification-deadline", "", "RFC3339 verification deadline override")
	cmd.Flags().StringVar(&opts.DisputeDeadline, "dispute-deadline", "", "RFC3339 dispute deadline override")
	_ = cmd.MarkFlagRequired("request-id")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func escrowSplitCmd() *cobra.Command {
	var clientID, token string
	var legSpecs []string
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Open a split payment group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clientID == "" || len(legSpecs) == 0 {
				return fmt.Errorf("--client and at least one --leg required")
			}
			legs := make([]escrow.SplitLeg, 0, len(legSpecs))
			for _, spec := range legSpecs {
				parts := strings.Split(spec, ":")
				if len(parts) != 3 {
					return fmt.Errorf("invalid --leg %q, want request_id:worker:amount", spec)
				}
				amount, err := strconv.ParseInt(parts[2], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid --leg amount %q: %w", parts[2], err)
				}
				legs = append(legs, escrow.SplitLeg{RequestID: parts[0], WorkerID: parts[1], Amount: amount})
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				groupID, created, err := d.Escrow.CreateSplit(ctx, clientID, token, legs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"group_id": groupID, "legs": created})
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client agent id")
	cmd.Flags().StringVar(&token, "token", "ETH", "token symbol")
	cmd.Flags().StringArrayVar(&legSpecs, "leg", nil, "leg as request_id:worker:amount (repeatable)")
	return cmd
}

func escrowDepositCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "deposit <request_id>",
		Short: "Confirm the escrow deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				e, err := d.Escrow.ConfirmDeposit(ctx, args[0], amount, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "deposited amount in base units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func escrowProofCmd() *cobra.Command {
	var hash, signature string
	cmd := &cobra.Command{
		Use:   "proof <request_id>",
		Short: "Submit proof of delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hash == "" {
				return fmt.Errorf("--hash required")
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				p, err := d.Escrow.SubmitProof(ctx, args[0], hash, signature, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "deliverable hash")
	cmd.Flags().StringVar(&signature, "signature", "", "worker signature over the proof")
	return cmd
}

func escrowSignCmd() *cobra.Command {
	var hash, worker string
	cmd := &cobra.Command{
		Use:   "sign <request_id>",
		Short: "Compute a proof signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hash == "" || worker == "" {
				return fmt.Errorf("--hash and --worker required")
			}
			fmt.Println(escrow.Sign(args[0], hash, worker))
			return nil
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "deliverable hash")
	cmd.Flags().StringVar(&worker, "worker", "", "worker agent id")
	return cmd
}

func escrowVerifyCmd() *cobra.Command {
	var hash string
	cmd := &cobra.Command{
		Use:   "verify <request_id>",
		Short: "Verify the proof and release funds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				e, err := d.Escrow.Verify(ctx, args[0], hash, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "expected deliverable hash")
	return cmd
}

func escrowDisputeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <request_id>",
		Short: "Raise a dispute as the client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				dis, err := d.Escrow.RaiseDispute(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(dis)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	return cmd
}

func escrowResolveCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "resolve <request_id>",
		Short: "Apply an arbitration outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				e, err := d.Escrow.Resolve(ctx, args[0], outcome, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "released, refunded, or split")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func escrowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <request_id>",
		Short: "Show an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				e, err := d.Escrow.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	return cmd
}

func escrowListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escrows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEscrows(ctx, state, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("REQUEST", "CLIENT", "WORKER", "AMOUNT", "STATE", "PROOF BY", "UPDATED")
				for _, e := range items {
					t.AppendRow(table.Row{e.RequestID, e.ClientID, e.WorkerID, e.Amount, e.State, e.ProofDeadline, e.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func escrowGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group <group_id>",
		Short: "Show split group legs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				legs, err := r.ListEscrowGroup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(legs)
			})
		},
	}
	return cmd
}

func escrowSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Settle expired deadlines now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				n, err := d.Escrow.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("settled %d escrow(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func haltCmd() *cobra.Command {
	halt := &cobra.Command{Use: "halt", Short: "Inspect and clear agent halts"}
	halt.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List halted agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListHalts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	halt.AddCommand(&cobra.Command{
		Use:   "reset <agent_id>",
		Short: "Clear an agent halt (operator action)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				if err := d.Pipeline.ResetHalt(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("halt cleared for %s\n", args[0])
				return nil
			})
		},
	})
	return halt
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	var agentID, entityKind string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListAuditEvents(ctx, agentID, entityKind, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&agentID, "agent", "", "agent filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	log.AddCommand(tail)
	return log
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				k := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, k); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": k.ID, "actor_id": k.ActorID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	key.AddCommand(create, list, del)
	return key
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			tracker := limits.NewTracker(conn, cfg)
			mem := exec.NewMemory()
			eng := escrow.New(conn, cfg)
			d := server.Deps{
				Repo:     repo.Repo{DB: conn},
				Governor: governor.New(conn, cfg, tracker, mem),
				Tracker:  tracker,
				Pipeline: guardrail.New(conn, cfg, tracker, mem),
				Escrow:   eng,
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GUARDLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GUARDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Deps: d, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			// Deadline scanner: settle expired escrows on a fixed interval so
			// refunds and auto-releases never wait for a request.
			scanCtx, stopScan := context.WithCancel(cmd.Context())
			defer stopScan()
			go func() {
				interval := time.Duration(cfg.Escrow.ScanIntervalSeconds) * time.Second
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-scanCtx.Done():
						return
					case <-ticker.C:
						if n, err := eng.Sweep(scanCtx); err != nil {
							fmt.Printf("sweep error: %v\n", err)
						} else if n > 0 {
							fmt.Printf("sweep settled %d escrow(s)\n", n)
						}
					}
				}
			}()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Guardline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Println("database up to date")
				return nil
			})
		},
	}
}

// --- helpers ---

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row(headers))
	return t
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
