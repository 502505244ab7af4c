//go:build windows && !dev

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/getlantern/systray"
)

func main() {
	a, err := newApp("", false)
	if err != nil {
		panic(err)
	}

	// kontekst sterujący życiem procesu (CTRL+C / zamknięcie sesji)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// jeśli proces dostanie sygnał – zamknij tray, sprzątanie w onExit
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()

	systray.Run(func() {
		systray.SetTitle("StockImport")
		systray.SetTooltip(fmt.Sprintf("StockImport %s", ver))

		mStart := systray.AddMenuItem("Start harmonogramu", "Uruchom scheduler jobów")
		mStop := systray.AddMenuItem("Stop harmonogramu", "Zatrzymaj scheduler jobów")
		mStop.Disable()

		systray.AddSeparator()
		mStopAll := systray.AddMenuItem("Zatrzymaj wszystkie importy", "Anuluj otwarte runy i blokuj nowe")
		mClearStop := systray.AddMenuItem("Wznów importy", "Zdejmij globalny stop")

		systray.AddSeparator()
		mOpenLogs := systray.AddMenuItem("Otwórz logi", "Pokaż plik log")
		mOpenCfg := systray.AddMenuItem("Ustawienia (config.json)", "Otwórz plik konfiguracyjny")
		mReload := systray.AddMenuItem("Przeładuj konfigurację", "Wczytaj ponownie config.json")
		systray.AddSeparator()
		mAbout := systray.AddMenuItem(fmt.Sprintf("O programie (%s)", ver), "")
		mQuit := systray.AddMenuItem("Wyjście", "Zamknij aplikację")

		setRunning := func(on bool) {
			if on {
				mStart.Disable()
				mStop.Enable()
				systray.SetTooltip(fmt.Sprintf("StockImport %s: działa (API %s)", ver, a.Cfg.HTTP.Addr))
				return
			}
			mStop.Disable()
			mStart.Enable()
			systray.SetTooltip(fmt.Sprintf("StockImport %s: harmonogram zatrzymany", ver))
		}

		// workery + API zawsze; scheduler wg scheduler.auto_start
		errCh, err := a.Start(ctx, true)
		if err != nil {
			a.Log.Error().Err(err).Msg("start nieudany")
			systray.SetTooltip(fmt.Sprintf("StockImport %s: błąd startu", ver))
		} else {
			setRunning(a.Syncer.IsRunning())
		}
		if errCh != nil {
			go func() {
				if err, ok := <-errCh; ok && err != nil {
					a.Log.Error().Err(err).Msg("HTTP API")
					systray.SetTooltip(fmt.Sprintf("StockImport %s: błąd API", ver))
				}
			}()
		}

		go func() {
			for {
				select {
				case <-mStart.ClickedCh:
					if err := a.Syncer.Start(ctx); err != nil {
						a.Log.Error().Msgf("Start error: %v", err)
						continue
					}
					setRunning(true)

				case <-mStop.ClickedCh:
					a.Syncer.Stop()
					setRunning(false)

				case <-mStopAll.ClickedCh:
					ids, err := a.Engine.StopAll(ctx)
					if err != nil {
						a.Log.Error().Err(err).Msg("stop-all")
						continue
					}
					systray.SetTooltip(fmt.Sprintf("StockImport %s: importy zatrzymane (%d anulowanych)", ver, len(ids)))

				case <-mClearStop.ClickedCh:
					if err := a.Engine.ClearStop(ctx); err != nil {
						a.Log.Error().Err(err).Msg("clear-stop")
						continue
					}
					setRunning(a.Syncer.IsRunning())

				case <-mOpenLogs.ClickedCh:
					openInExplorer(a.LogPath)

				case <-mOpenCfg.ClickedCh:
					openInExplorer(a.CfgPath)

				case <-mReload.ClickedCh:
					if err := a.ReloadConfig(); err != nil {
						a.Log.Error().Msgf("Błąd reloadu: %v", err)
						continue
					}
					setRunning(a.Syncer.IsRunning())

				case <-mAbout.ClickedCh:
					a.Log.Info().Msgf("StockImport %s | %s", ver, runtime.Version())

				case <-mQuit.ClickedCh:
					cancel()
					systray.Quit()
					return
				}
			}
		}()
	}, func() {
		// onExit – scheduler, API, workery, baza
		a.Close()
		time.Sleep(50 * time.Millisecond)
	})
}

// przenośne otwieranie plików/katalogów w domyślnej aplikacji
func openInExplorer(path string) {
	switch runtime.GOOS {
	case "windows":
		// "start" musi być uruchomiony przez cmd /C, z pustym tytułem okna ""
		_ = exec.Command("cmd", "/C", "start", "", path).Start()
	case "darwin":
		_ = exec.Command("open", path).Start()
	default:
		_ = exec.Command("xdg-open", path).Start()
	}
}
