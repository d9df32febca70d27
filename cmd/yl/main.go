package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"yarnline/internal/app"
	"yarnline/internal/config"
	"yarnline/internal/db"
	"yarnline/internal/domain"
	"yarnline/internal/engine"
	"yarnline/internal/migrate"
	"yarnline/internal/repo"
	"yarnline/internal/server"
	"yarnline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "yl",
	Short: "Yarnline CLI",
	Long: `Yarnline drives captured knowledge through a governed pipeline before it
may mutate the shared substrate.
Core concepts:
- Workspace: your .yarnline directory holding only the database; governance
  config lives in the DB and is imported explicitly.
- Basket: a scope for captures and everything derived from them. Basket
  modes (default, notes_only, archive) decide which pipeline stages run.
- Dump: an immutable raw capture, idempotent on dump_request_id.
- Work item: a unit of pipeline processing with a claim/lease protocol;
  states go pending -> claimed -> processing -> completed/failed, or park in
  awaiting_review behind a proposal.
- Governance: per-work-type policies route each submission to auto_execute
  or create_proposal; confidence thresholds split the difference.
- Cascade: completing capture enqueues substrate_extract, then graph_link,
  reflect and compose, each guarded against duplicates.
- Timeline: the append-only diary of everything that happened; view with
  'yl log tail'.`,
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
	viper.SetEnvPrefix("YARNLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("workspace-id", "", "workspace id (overrides single-workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("workspace-id", rootCmd.PersistentFlags().Lookup("workspace-id"))
}

func registerCommands() {
	rootCmd.AddCommand(basketCmd())
	rootCmd.AddCommand(dumpCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
}

func basketCmd() *cobra.Command {
	basket := &cobra.Command{Use: "basket", Short: "Manage baskets"}
	basket.AddCommand(basketCreateCmd())
	basket.AddCommand(basketListCmd())
	basket.AddCommand(basketShowCmd())
	return basket
}

func basketCreateCmd() *cobra.Command {
	var id, name, mode string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create basket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b := domain.Basket{
					ID:          id,
					WorkspaceID: e.Config.Workspace.ID,
					Name:        name,
					Mode:        mode,
					Status:      "active",
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertBasket(ctx, b); err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "basket id")
	cmd.Flags().StringVar(&name, "name", "", "basket name")
	cmd.Flags().StringVar(&mode, "mode", "default", "basket mode (default|notes_only|archive)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func basketListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List baskets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				baskets, err := e.Repo.ListBaskets(ctx, e.Config.Workspace.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(baskets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Mode", "Status", "Created"})
				for _, b := range baskets {
					tw.AppendRow(table.Row{b.ID, b.Name, b.Mode, b.Status, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func basketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <basket-id>",
		Short: "Show a basket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.Repo.GetBasket(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func dumpCmd() *cobra.Command {
	dump := &cobra.Command{Use: "dump", Short: "Ingest raw captures"}
	dump.AddCommand(dumpAddCmd())
	return dump
}

func dumpAddCmd() *cobra.Command {
	var basketID, requestID, text, fileRef, file string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Ingest a dump",
		Long:  "Idempotent on --request-id: retrying the same request replays the original dump.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if basketID == "" || requestID == "" {
				return fmt.Errorf("--basket and --request-id required")
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				text = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.IngestDump(ctx, engine.IngestRequest{
					WorkspaceID:   e.Config.Workspace.ID,
					BasketID:      basketID,
					DumpRequestID: requestID,
					Text:          text,
					FileRef:       fileRef,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&basketID, "basket", "", "basket id")
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotent dump request id")
	cmd.Flags().StringVar(&text, "text", "", "dump body")
	cmd.Flags().StringVar(&fileRef, "file-ref", "", "external file reference")
	cmd.Flags().StringVar(&file, "file", "", "read dump body from a local file")
	_ = cmd.MarkFlagRequired("basket")
	_ = cmd.MarkFlagRequired("request-id")
	return cmd
}

func workCmd() *cobra.Command {
	work := &cobra.Command{
		Use:   "work",
		Short: "Submit and drive work items",
		Long:  "Work items carry operation bundles through governance and the claim/lease queue.",
	}
	work.AddCommand(workSubmitCmd())
	work.AddCommand(workListCmd())
	work.AddCommand(workShowCmd())
	work.AddCommand(workStatusCmd())
	work.AddCommand(workClaimCmd())
	work.AddCommand(workCompleteCmd())
	work.AddCommand(workFailCmd())
	return work
}

func workSubmitCmd() *cobra.Command {
	var workType, basketID, opsJSON, override, priority, key string
	var confidence float64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an operation bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			var operations []domain.Operation
			if opsJSON != "" {
				if err := json.Unmarshal([]byte(opsJSON), &operations); err != nil {
					return fmt.Errorf("invalid --operations: %w", err)
				}
			}
			var confPtr *float64
			if cmd.Flags().Changed("confidence") {
				confPtr = &confidence
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Submit(ctx, engine.SubmitRequest{
					WorkType:        workType,
					WorkspaceID:     e.Config.Workspace.ID,
					BasketID:        basketID,
					Operations:      operations,
					ConfidenceScore: confPtr,
					UserOverride:    override,
					Priority:        priority,
					IdempotencyKey:  key,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&workType, "type", "", "work type")
	cmd.Flags().StringVar(&basketID, "basket", "", "basket id")
	cmd.Flags().StringVar(&opsJSON, "operations", "", "operation bundle as JSON array")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence score (0..1)")
	cmd.Flags().StringVar(&override, "override", "", "user override (require_review|allow_auto)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low|normal|high|urgent)")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func workListCmd() *cobra.Command {
	var basketID, workType, state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
					WorkspaceID:     e.Config.Workspace.ID,
					BasketID:        basketID,
					WorkType:        workType,
					ProcessingState: state,
					Limit:           limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Stage", "Attempts", "Created"})
				for _, w := range items {
					stage := ""
					if w.ProcessingStage != nil {
						stage = *w.ProcessingStage
					}
					tw.AppendRow(table.Row{w.ID, w.WorkType, w.ProcessingState, stage, w.Attempts, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&basketID, "basket", "", "basket id")
	cmd.Flags().StringVar(&workType, "type", "", "work type filter")
	cmd.Flags().StringVar(&state, "state", "", "processing state filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func workShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <work-id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Repo.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <work-id>",
		Short: "Work status with progress and ETA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Work: %s (%s)\n", st.WorkID, st.WorkType)
				fmt.Printf("State: %s", st.State)
				if st.Stage != "" {
					fmt.Printf(" [%s]", st.Stage)
				}
				fmt.Printf("\nProgress: %d%%\n", st.ProgressPercentage)
				if st.EstimatedCompletion != nil {
					fmt.Printf("ETA: %s\n", *st.EstimatedCompletion)
				}
				if st.ErrorMessage != "" {
					fmt.Printf("Error: %s\n", st.ErrorMessage)
				}
				if st.SubstrateImpact != nil {
					fmt.Printf("Document %s references %d substrate items\n", st.SubstrateImpact.DocumentID, st.SubstrateImpact.RefCount)
				}
				return nil
			})
		},
	}
}

func workClaimCmd() *cobra.Command {
	var workerID string
	var leaseSeconds int
	cmd := &cobra.Command{
		Use:   "claim [work-id]",
		Short: "Claim a work item (or the next pending one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerID == "" {
				workerID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				lease := time.Duration(leaseSeconds) * time.Second
				var w domain.WorkItem
				var err error
				if len(args) == 1 {
					w, err = e.Claim(ctx, args[0], workerID, lease)
				} else {
					w, err = e.ClaimNext(ctx, e.Config.Workspace.ID, workerID, lease)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id (defaults to actor)")
	cmd.Flags().IntVar(&leaseSeconds, "lease", 120, "lease duration in seconds")
	return cmd
}

func workCompleteCmd() *cobra.Command {
	var resultJSON string
	cmd := &cobra.Command{
		Use:   "complete <work-id>",
		Short: "Complete a claimed work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resultJSON == "" {
				resultJSON = "{}"
			}
			if !json.Valid([]byte(resultJSON)) {
				return fmt.Errorf("invalid --result: must be JSON")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Complete(ctx, args[0], resultJSON, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&resultJSON, "result", "", "result JSON")
	return cmd
}

func workFailCmd() *cobra.Command {
	var reason string
	var retriable bool
	cmd := &cobra.Command{
		Use:   "fail <work-id>",
		Short: "Fail a claimed work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Fail(ctx, args[0], reason, retriable)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	cmd.Flags().BoolVar(&retriable, "retriable", false, "re-queue if the attempt budget allows")
	return cmd
}

func proposalCmd() *cobra.Command {
	proposal := &cobra.Command{
		Use:   "proposal",
		Short: "Review proposed operations",
		Long:  "Proposals hold operations that governance parked for review. Approving one executes it; rejecting one fails the linked work item.",
	}
	proposal.AddCommand(proposalListCmd())
	proposal.AddCommand(proposalShowCmd())
	proposal.AddCommand(proposalApproveCmd())
	proposal.AddCommand(proposalRejectCmd())
	return proposal
}

func proposalListCmd() *cobra.Command {
	var basketID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
					WorkspaceID: e.Config.Workspace.ID,
					BasketID:    basketID,
					Status:      status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Work", "Status", "Origin", "By", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.WorkID, p.Status, p.Origin, p.CreatedBy, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&basketID, "basket", "", "basket id")
	cmd.Flags().StringVar(&status, "status", "", "status filter (PROPOSED|APPROVED|REJECTED)")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func proposalApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Approve(ctx, args[0], viper.GetString("actor-id"), notes)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Reject(ctx, args[0], viper.GetString("actor-id"), reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Timeline events",
		Long:  "The append-only diary of everything that happened: captures, routing decisions, completions, cascades.",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var basketID, kind, refID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail timeline events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestTimeline(ctx, n, 0, basketID, kind, refID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Ref", "Preview", "Actor", "At"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.Kind, evt.RefID, evt.Preview, evt.ActorID, evt.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&basketID, "basket", "", "basket filter")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&refID, "ref-id", "", "ref id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Governance configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show active governance config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configInitCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default yarnline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspaceID == "" {
				workspaceID = "default"
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspaceID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace id for the template")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import governance config into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertWorkspaceConfig(ctx, cfg.Workspace.ID, cfg); err != nil {
					return err
				}
				fmt.Println("imported config for workspace", cfg.Workspace.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path (defaults to <workspace>/yarnline.yml)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := "yl_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println(plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveWorkspaceAndConfig(cmd.Context(), viper.GetString("workspace-id"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("YARNLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("YARNLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Yarnline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func workerCmd() *cobra.Command {
	var count, pollMillis, leaseSeconds int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline worker pool",
		Long:  "Polls for pending work, produces operations for cascade stages and executes them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				pool := &worker.Pool{
					Engine:       e,
					Producer:     worker.HeuristicProducer{Store: e.Substrate},
					WorkspaceID:  e.Config.Workspace.ID,
					Workers:      count,
					PollInterval: time.Duration(pollMillis) * time.Millisecond,
					Lease:        time.Duration(leaseSeconds) * time.Second,
					Log:          log.New(os.Stderr, "", log.LstdFlags),
				}
				fmt.Printf("Running %d workers for workspace %s\n", count, e.Config.Workspace.ID)
				err := pool.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 2, "number of workers")
	cmd.Flags().IntVar(&pollMillis, "poll-ms", 500, "poll interval in milliseconds")
	cmd.Flags().IntVar(&leaseSeconds, "lease", 120, "claim lease in seconds")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		_, cfg, err := app.ResolveWorkspaceAndConfig(ctx, viper.GetString("workspace-id"), viper.GetString("actor-id"), r)
		if err != nil {
			return err
		}
		return fn(ctx, engine.New(r.DB, cfg))
	})
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
