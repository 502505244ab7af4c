//go:build !windows || dev

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	conf "github.com/bartek5186/stockimport/internal/config"
	"github.com/bartek5186/stockimport/internal/db"
	"github.com/bartek5186/stockimport/internal/engine"
	"github.com/bartek5186/stockimport/internal/ledger"
)

var (
	appDir  string
	verbose bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Błąd:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Import stanów magazynowych producentów do tabel bazy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&appDir, "dir", "", "katalog danych (domyślnie UserConfigDir/stockimport)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "logi także na konsolę")

	root.AddCommand(
		serveCmd(),
		consoleCmd(),
		runCmd(),
		jobsCmd(),
		stopAllCmd(),
		clearStopCmd(),
		resetCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Wersja programu",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(appName, ver)
			},
		},
	)
	return root
}

// withApp otwiera aplikację (bez startu workerów) i zamyka ją po fn.
func withApp(console bool, fn func(a *App) error) error {
	a, err := newApp(appDir, console || verbose)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Workery + HTTP API + scheduler, do SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(a *App) error {
				ctx, cancel := signalContext()
				defer cancel()

				errCh, err := a.Start(ctx, true)
				if err != nil {
					return err
				}
				a.Log.Info().Msgf("StockImport %s: API na %s", ver, a.Cfg.HTTP.Addr)

				select {
				case <-ctx.Done():
					a.Log.Info().Msg("sygnał zamknięcia")
					return nil
				case err, ok := <-errCh:
					if ok && err != nil {
						return err
					}
					return nil
				}
			})
		},
	}
}

// consoleCmd – prosta pętla poleceń w terminalu, jak serve, ale sterowana ręcznie.
func consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interaktywna konsola (serve + komendy z klawiatury)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(a *App) error {
				ctx, cancel := signalContext()
				defer cancel()
				if _, err := a.Start(ctx, true); err != nil {
					return err
				}
				return repl(ctx, a)
			})
		},
	}
}

const replHelp = "Komendy: start | stop | reload | status | jobs | run <job> | stop-run <run> | stop-all | clear-stop | paths | quit"

func repl(ctx context.Context, a *App) error {
	fmt.Println("StockImport CLI", ver)
	fmt.Println(replHelp)

	lines := make(chan string)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	for {
		fmt.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		fields := strings.Fields(strings.ToLower(line))
		if len(fields) == 0 {
			continue // enter – ignoruj
		}

		switch fields[0] {
		case "start":
			if err := a.Syncer.Start(ctx); err != nil {
				fmt.Println("Błąd startu:", err)
				continue
			}
			fmt.Println("Scheduler: start OK")
		case "stop":
			a.Syncer.Stop()
			fmt.Println("Scheduler zatrzymany")
		case "reload":
			if err := a.ReloadConfig(); err != nil {
				fmt.Println("Błąd reloadu:", err)
				continue
			}
			fmt.Println("Konfiguracja przeładowana")
		case "status":
			if a.Syncer.IsRunning() {
				fmt.Println("Scheduler: DZIAŁA")
			} else {
				fmt.Println("Scheduler: ZATRZYMANY")
			}
			fmt.Println("Aktywne runy:", a.Engine.ActiveRuns())
			if at, err := a.Ledger.StopAllAt(ctx); err == nil && at != nil {
				fmt.Println("Stop-all od:", at.Format(time.RFC3339))
			}
		case "jobs":
			if err := printJobs(ctx, a); err != nil {
				fmt.Println("Błąd:", err)
			}
		case "run":
			id, ok := argID(fields)
			if !ok {
				fmt.Println("Użycie: run <job-id>")
				continue
			}
			res, err := a.Engine.Trigger(ctx, id)
			if err != nil {
				fmt.Println("Błąd:", err)
				continue
			}
			fmt.Printf("run %d (upload %d) -> %s\n", res.RunID, res.UploadID, res.Table)
		case "stop-run":
			id, ok := argID(fields)
			if !ok {
				fmt.Println("Użycie: stop-run <run-id>")
				continue
			}
			stopped, err := a.Engine.StopRun(ctx, id)
			switch {
			case err != nil:
				fmt.Println("Błąd:", err)
			case stopped:
				fmt.Println("Zatrzymywanie runu", id)
			default:
				fmt.Println("Run", id, "już zakończony")
			}
		case "stop-all":
			ids, err := a.Engine.StopAll(ctx)
			if err != nil {
				fmt.Println("Błąd:", err)
				continue
			}
			fmt.Println("Anulowane runy:", ids)
		case "clear-stop":
			if err := a.Engine.ClearStop(ctx); err != nil {
				fmt.Println("Błąd:", err)
				continue
			}
			fmt.Println("Stop-all zdjęty")
		case "paths":
			fmt.Println("Logi:", a.LogPath)
			fmt.Println("Config:", a.CfgPath)
			fmt.Println("Import:", a.Cfg.ImportRoot)
			fmt.Println("Storage:", a.Cfg.StorageDir)
		case "quit", "exit":
			return nil
		default:
			fmt.Println("Nieznana komenda.", replHelp)
		}
	}
}

func argID(fields []string) (uint, bool) {
	if len(fields) < 2 {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

func runCmd() *cobra.Command {
	var (
		wait  bool
		local bool
		addr  string
		every time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Uruchom import joba (przez API działającego serwera albo lokalnie)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || n == 0 {
				return fmt.Errorf("niepoprawne id joba %q", args[0])
			}
			jobID := uint(n)
			ctx, cancel := signalContext()
			defer cancel()

			if local {
				return runLocal(ctx, jobID, wait, every)
			}
			if addr == "" {
				dir := appDir
				if dir == "" {
					dir = mustAppDataDir(appName)
				}
				cfg, _, err := conf.LoadOrCreate(filepath.Join(dir, "config.json"))
				if err != nil {
					return err
				}
				addr = cfg.HTTP.Addr
			}
			return runRemote(ctx, addr, jobID, wait, every)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "czekaj na koniec i pokazuj postęp")
	cmd.Flags().BoolVar(&local, "local", false, "wykonaj w tym procesie (zawsze czeka na koniec)")
	cmd.Flags().StringVar(&addr, "addr", "", "adres API (domyślnie http.addr z configa)")
	cmd.Flags().DurationVar(&every, "every", time.Second, "interwał odpytywania statusu")
	return cmd
}

// runLocal – pula workerów żyje tyle co proces, więc czekamy zawsze; --wait dokłada wydruk postępu.
func runLocal(ctx context.Context, jobID uint, verboseProgress bool, every time.Duration) error {
	return withApp(false, func(a *App) error {
		a.StartWorkers(ctx)
		res, err := a.Engine.Trigger(ctx, jobID)
		if err != nil {
			return err
		}
		fmt.Printf("run %d (upload %d) -> %s\n", res.RunID, res.UploadID, res.Table)

		var onPoll func(*ledger.RunView)
		if verboseProgress {
			onPoll = printProgress
		}
		v, err := a.Engine.WaitRun(ctx, res.RunID, every, onPoll)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				_, _ = a.Engine.StopRun(context.Background(), res.RunID)
			}
			return err
		}
		return finalStatus(v)
	})
}

// runRemote – trigger i polling przez HTTP API serwera (serve/console/tray).
func runRemote(ctx context.Context, addr string, jobID uint, wait bool, every time.Duration) error {
	base := "http://" + addr + "/api/v1"
	client := &http.Client{Timeout: 30 * time.Second}

	var res engine.TriggerResult
	if err := callAPI(ctx, client, http.MethodPost, fmt.Sprintf("%s/jobs/%d/trigger", base, jobID), &res); err != nil {
		return err
	}
	fmt.Printf("run %d (upload %d) -> %s\n", res.RunID, res.UploadID, res.Table)
	if !wait {
		return nil
	}

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		var v ledger.RunView
		if err := callAPI(ctx, client, http.MethodGet, fmt.Sprintf("%s/runs/%d", base, res.RunID), &v); err != nil {
			return err
		}
		printProgress(&v)
		if v.Run.Status.Terminal() {
			return finalStatus(&v)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func callAPI(ctx context.Context, client *http.Client, method, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("API niedostępne (uruchom `serve` albo użyj --local): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s (%s, HTTP %d)", e.Error, e.Code, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printProgress(v *ledger.RunView) {
	if v.Progress == nil {
		fmt.Printf("run %d: %s\n", v.Run.ID, v.Run.Status)
		return
	}
	p := v.Progress
	fmt.Printf("run %d: %s %d/%d (%.1f%%)\n", v.Run.ID, v.Run.Status, p.RowsDone, p.RowsTotal, p.Percent)
}

func finalStatus(v *ledger.RunView) error {
	msg := ""
	if v.Run.ErrorMessage != nil {
		msg = *v.Run.ErrorMessage
	}
	fmt.Printf("run %d zakończony: %s %s\n", v.Run.ID, v.Run.Status, msg)
	if v.Run.Status != db.StatusImported {
		return fmt.Errorf("run %d: %s", v.Run.ID, v.Run.Status)
	}
	return nil
}

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "Lista jobów z ostatnim runem i postępem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(a *App) error {
				return printJobs(cmd.Context(), a)
			})
		},
	}
}

func printJobs(ctx context.Context, a *App) error {
	if ctx == nil {
		ctx = context.Background()
	}
	jobs, err := a.Engine.ListJobs(ctx)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Tytuł", "Tabela", "Tryb", "Włączony", "Cron", "Ostatni run", "Status", "%", "ETA"})
	for _, j := range jobs {
		run, status, pct, eta := "-", string(j.LastStatus), "-", "-"
		if j.LatestRun != nil {
			run = strconv.FormatUint(uint64(j.LatestRun.ID), 10)
			status = string(j.LatestRun.Status)
		}
		if j.Progress != nil {
			pct = fmt.Sprintf("%.1f", j.Progress.Percent)
		}
		if j.ETASeconds != nil {
			eta = (time.Duration(*j.ETASeconds) * time.Second).String()
		}
		t.AppendRow(table.Row{j.ID, j.Title, j.DataTable, j.Mode, j.Enabled, j.Schedule, run, status, pct, eta})
	}
	t.Render()
	return nil
}

func stopAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Globalny stop: anuluje otwarte runy i blokuje nowe do clear-stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(a *App) error {
				ids, err := a.Engine.StopAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println("Anulowane runy:", ids)
				return nil
			})
		},
	}
}

func clearStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-stop",
		Short: "Zdejmuje globalny stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(a *App) error {
				if err := a.Engine.ClearStop(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("Stop-all zdjęty")
				return nil
			})
		},
	}
}

func resetCmd() *cobra.Command {
	var (
		dryRun bool
		jobID  uint
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Anuluje otwarte runy, czyści progress i logi (całość albo jeden job)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(a *App) error {
				rep, err := a.Engine.Reset(cmd.Context(), dryRun, jobID)
				if err != nil {
					return err
				}
				prefix := ""
				if rep.DryRun {
					prefix = "(dry-run) "
				}
				fmt.Printf("%sruny: %d, progress: %d, logi: %d\n", prefix, rep.CancelledRuns, rep.ClearedProgress, rep.ClearedLogs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "tylko policz, nic nie zmieniaj")
	cmd.Flags().UintVar(&jobID, "job", 0, "ogranicz do jednego joba")
	return cmd
}
