package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bilbercode/hsec-client/internal/address"
	"github.com/bilbercode/hsec-client/internal/devices"
	"github.com/bilbercode/hsec-client/internal/events"
	"github.com/bilbercode/hsec-client/internal/hub"
	"github.com/bilbercode/hsec-client/internal/protocol"
	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func registerCommands(app *cli.Cli, a *application) {
	app.Command("code", "print the connection code of a hub IP", func(cmd *cli.Cmd) {
		ip := cmd.StringArg("IP", "", "hub IPv4 address")
		cmd.Action = func() {
			code, err := address.Encode(*ip)
			if err != nil {
				log.WithError(err).Error("invalid address")
				cli.Exit(1)
			}
			fmt.Println(code)
		}
	})

	app.Command("connect", "connect to a hub and remember its code", func(cmd *cli.Cmd) {
		code := cmd.StringArg("CODE", "", "connection code, defaults to --code")
		cmd.Spec = "[CODE]"
		cmd.Action = func() {
			if *code != "" {
				a.cfg.Hub.Code = *code
			}
			a.withHub(false, func(ctx context.Context, client *hub.Client) error {
				fmt.Println("connected")
				return nil
			})()
		}
	})

	app.Command("login", "log in with email and password", func(cmd *cli.Cmd) {
		email := cmd.StringArg("EMAIL", "", "")
		password := cmd.StringArg("PASSWORD", "", "")
		cmd.Action = a.withHub(false, func(ctx context.Context, client *hub.Client) error {
			res := client.LoginWithPassword(ctx, *email, *password)
			if err := resultErr(res.Result); err != nil {
				return err
			}
			fmt.Printf("logged in as %s\n", *email)
			return nil
		})
	})

	app.Command("register", "create an account", func(cmd *cli.Cmd) {
		email := cmd.StringArg("EMAIL", "", "")
		password := cmd.StringArg("PASSWORD", "", "")
		cmd.Action = a.withHub(false, func(ctx context.Context, client *hub.Client) error {
			res := client.CreateAccount(ctx, *email, *password)
			if err := resultErr(res.Result); err != nil {
				return err
			}
			fmt.Printf("account created for %s\n", *email)
			return nil
		})
	})

	app.Command("reset-request", "ask for a password reset code", func(cmd *cli.Cmd) {
		email := cmd.StringArg("EMAIL", "", "")
		cmd.Action = a.withHub(false, func(ctx context.Context, client *hub.Client) error {
			res := client.RequestPasswordReset(ctx, *email)
			if err := resultErr(res.Result); err != nil {
				if res.TimeLeft > 0 {
					return fmt.Errorf("%w, retry in %s", err, res.TimeLeft.Round(time.Second))
				}
				return err
			}
			fmt.Println(res.Reason)
			return nil
		})
	})

	app.Command("reset", "set a new password with a reset code", func(cmd *cli.Cmd) {
		email := cmd.StringArg("EMAIL", "", "")
		code := cmd.StringArg("CODE", "", "reset code")
		password := cmd.StringArg("PASSWORD", "", "new password")
		cmd.Action = a.withHub(false, func(ctx context.Context, client *hub.Client) error {
			res := client.ResetPassword(ctx, *email, *code, *password)
			if err := resultErr(res.Result); err != nil {
				return err
			}
			fmt.Println("password changed")
			return nil
		})
	})

	app.Command("logout", "forget the stored session", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			if err := a.store.LogoutUser(); err != nil {
				log.WithError(err).Error("failed to log out")
				cli.Exit(1)
			}
		}
	})

	app.Command("cameras", "list paired cameras", func(cmd *cli.Cmd) {
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			res := client.GetCameras(ctx)
			if err := resultErr(res.Result); err != nil {
				return err
			}
			unsubscribe := a.catalog.Subscribe(func(e *devices.Event) {
				sign := "+"
				if e.Type == devices.EventTypeCameraRemoved {
					sign = "-"
				}
				fmt.Printf("%s %s (%s)\n", sign, e.Camera.Name, e.Camera.MAC)
			})
			_, _, err := a.catalog.Sync(res.Cameras)
			unsubscribe()
			if err != nil {
				log.WithError(err).Warn("failed to update camera catalog")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMAC\tADDRESS\tCONNECTED\tCATEGORIES")
			for _, cam := range res.Cameras {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", cam.ID(), cam.Name, cam.MAC, cam.IP, cam.Connected, strings.Join(cam.Categories, ","))
			}
			return w.Flush()
		})
	})

	app.Command("discover", "scan for unpaired cameras", func(cmd *cli.Cmd) {
		duration := cmd.StringOpt("duration", "30s", "how long to scan")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			d, err := time.ParseDuration(*duration)
			if err != nil {
				return err
			}
			client.AddEventListener(protocol.EventCameraDiscovered, func(e events.Event) {
				found, err := e.CameraDiscovered()
				if err != nil {
					log.WithError(err).Warn("unreadable discovery")
					return
				}
				fmt.Printf("%s\t%s:%d\n", found.MAC, found.IP, found.Port)
			})

			res := client.StartDiscoverCameras(ctx)
			if err := resultErr(res.Result); err != nil {
				return err
			}
			waitFor(ctx, client, d)
			return resultErr(client.StopDiscoverCameras(context.Background()))
		})
	})

	app.Command("pair", "pair a discovered camera", func(cmd *cli.Cmd) {
		ip := cmd.StringArg("IP", "", "camera address")
		port := cmd.IntArg("PORT", 0, "camera port")
		mac := cmd.StringArg("MAC", "", "camera MAC")
		code := cmd.StringArg("CODE", "", "pairing code printed on the camera")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			return resultErr(client.PairCamera(ctx, *ip, *port, *mac, *code))
		})
	})

	app.Command("stream", "watch the live feed of a camera", func(cmd *cli.Cmd) {
		cmd.Spec = "[--out] [--duration] MAC"
		mac := cmd.StringArg("MAC", "", "camera MAC")
		out := cmd.StringOpt("out", "", "folder to save frames in")
		duration := cmd.StringOpt("duration", "0s", "stop after this long, 0 runs until interrupted")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			d, err := time.ParseDuration(*duration)
			if err != nil {
				return err
			}
			return streamCamera(ctx, a, client, *mac, *out, d)
		})
	})

	app.Command("rename", "rename a camera", func(cmd *cli.Cmd) {
		mac := cmd.StringArg("MAC", "", "camera MAC")
		name := cmd.StringArg("NAME", "", "new name")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			return resultErr(client.RenameCamera(ctx, *mac, *name))
		})
	})

	app.Command("unpair", "remove a camera from the hub", func(cmd *cli.Cmd) {
		mac := cmd.StringArg("MAC", "", "camera MAC")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			return resultErr(client.UnpairCamera(ctx, *mac))
		})
	})

	app.Command("share", "share a camera with another user", func(cmd *cli.Cmd) {
		mac := cmd.StringArg("MAC", "", "camera MAC")
		email := cmd.StringArg("EMAIL", "", "user to share with")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			return resultErr(client.ShareCamera(ctx, *mac, *email))
		})
	})

	app.Command("redzone", "set the alert zone of a camera", func(cmd *cli.Cmd) {
		cmd.Spec = "MAC POINT..."
		mac := cmd.StringArg("MAC", "", "camera MAC")
		points := cmd.StringsArg("POINT", nil, "polygon vertices as X,Y")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			polygon, err := parsePolygon(*points)
			if err != nil {
				return err
			}
			return resultErr(client.SaveRedzone(ctx, *mac, polygon))
		})
	})

	app.Command("categories", "set the alert categories of a camera", func(cmd *cli.Cmd) {
		cmd.Spec = "MAC [CATEGORY...]"
		mac := cmd.StringArg("MAC", "", "camera MAC")
		categories := cmd.StringsArg("CATEGORY", nil, "categories to alert on")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			return resultErr(client.UpdateAlertCategories(ctx, *mac, *categories))
		})
	})

	app.Command("notifications", "list stored alerts", func(cmd *cli.Cmd) {
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			res := client.GetNotifications(ctx)
			if err := resultErr(res.Result); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tCAMERA\tTITLE\tMESSAGE")
			for _, n := range res.Notifications {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.Time().Format(time.RFC3339), a.catalog.Name(n.MAC), n.Title, n.Message)
			}
			return w.Flush()
		})
	})

	app.Command("alerts", "print redzone alerts as they happen", func(cmd *cli.Cmd) {
		out := cmd.StringOpt("out", "", "folder to save alert snapshots in")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			rec := a.recorder(*out)
			client.AddEventListener(protocol.EventRedZoneTrigger, func(e events.Event) {
				trigger, err := e.RedZoneTrigger()
				if err != nil {
					log.WithError(err).Warn("unreadable alert")
					return
				}
				at := time.Now()
				fmt.Println(formatAlert(a.catalog.Name(trigger.MAC), trigger.MAC, at))
				if *out == "" {
					return
				}
				if loc, err := rec.SaveSnapshot(trigger, at); err != nil {
					log.WithError(err).Warn("failed to save alert snapshot")
				} else if loc != "" {
					log.WithField("file", loc).Debug("saved alert snapshot")
				}
			})
			waitFor(ctx, client, 0)
			return nil
		})
	})

	app.Command("playback", "download recorded footage", func(cmd *cli.Cmd) {
		cmd.Spec = "[--start] [--end] [--out] MAC"
		mac := cmd.StringArg("MAC", "", "camera MAC")
		start := cmd.StringOpt("start", "", "RFC 3339 start, defaults to the start of the recording")
		end := cmd.StringOpt("end", "", "RFC 3339 end, defaults to the end of the recording")
		out := cmd.StringOpt("out", "", "folder to save the footage in")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			return playback(ctx, a, client, *mac, *start, *end, *out)
		})
	})

	app.Command("fcm", "register a push notification token", func(cmd *cli.Cmd) {
		token := cmd.StringArg("TOKEN", "", "FCM registration token")
		cmd.Action = a.withHub(true, func(ctx context.Context, client *hub.Client) error {
			res := client.SendFCMToken(ctx, *token)
			if err := resultErr(res); err != nil {
				return err
			}
			// the hub does not acknowledge accepted tokens
			fmt.Println(res.Info)
			return nil
		})
	})

	app.Command("catalog", "list cameras seen at the last `cameras` run", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			cams, err := a.catalog.List()
			if err != nil {
				log.WithError(err).Error("failed to read camera catalog")
				cli.Exit(1)
			}
			for _, cam := range cams {
				fmt.Printf("%s\t%s\t%s\n", cam.ID(), cam.Name, cam.MAC)
			}
		}
	})
}

// waitFor blocks until ctx is done, the connection drops or d elapses. A zero
// d waits indefinitely.
func waitFor(ctx context.Context, client *hub.Client, d time.Duration) {
	lost := make(chan struct{})
	client.OnConnectionChange(func(connected bool) {
		if !connected {
			select {
			case <-lost:
			default:
				close(lost)
			}
		}
	})
	defer client.OnConnectionChange(nil)

	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
	case <-lost:
		log.Warn("connection to hub lost")
	case <-timeout:
	}
}

func streamCamera(ctx context.Context, a *application, client *hub.Client, mac, out string, d time.Duration) error {
	frames := make(chan events.Frame, 64)
	client.AddEventListener(protocol.EventFrame, func(e events.Event) {
		frame, err := e.Frame()
		if err != nil || frame.MAC != mac {
			return
		}
		select {
		case frames <- frame:
		default:
			log.WithField("mac", mac).Debug("frame dropped, recorder is behind")
		}
	})
	defer client.RemoveEventListener(protocol.EventFrame)

	res := client.StartStreamCamera(ctx, mac)
	if err := resultErr(res.Result); err != nil {
		return err
	}
	log.WithFields(log.Fields{"camera": a.catalog.Name(mac), "transaction_id": res.Handle.TransactionID}).Info("streaming")

	streamCtx, cancel := context.WithCancel(ctx)
	group, streamCtx := errgroup.WithContext(streamCtx)
	group.Go(func() error {
		if out == "" {
			var n int
			for {
				select {
				case <-streamCtx.Done():
					log.WithField("frames", n).Info("stream ended")
					return nil
				case <-frames:
					n++
				}
			}
		}
		return a.recorder(out).Run(streamCtx, frames)
	})
	group.Go(func() error {
		defer cancel()
		waitFor(streamCtx, client, d)
		return nil
	})
	err := group.Wait()

	if client.IsConnected() {
		if stopErr := resultErr(client.StopStreamCamera(context.Background(), mac)); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}

func playback(ctx context.Context, a *application, client *hub.Client, mac, startArg, endArg, out string) error {
	var start, end time.Time
	if startArg == "" || endArg == "" {
		res := client.GetPlaybackRange(ctx, mac)
		if err := resultErr(res.Result); err != nil {
			return err
		}
		start, end = res.Start, res.End
	}
	if startArg != "" {
		t, err := time.Parse(time.RFC3339, startArg)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		start = t
	}
	if endArg != "" {
		t, err := time.Parse(time.RFC3339, endArg)
		if err != nil {
			return fmt.Errorf("end: %w", err)
		}
		end = t
	}
	if !end.After(start) {
		return fmt.Errorf("empty playback range %s - %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	chunk := client.GetPlaybackChunk(ctx, mac, start, end)
	if err := resultErr(chunk.Result); err != nil {
		return err
	}
	loc, err := a.recorder(out).SavePlayback(mac, start, chunk.Video)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%dx%d\n", loc, chunk.Duration, chunk.Width, chunk.Height)
	return nil
}

func formatAlert(name, mac string, at time.Time) string {
	return fmt.Sprintf("%s\tred zone triggered on %s (%s)", at.Format(time.RFC3339), name, mac)
}

func parsePolygon(points []string) (hub.Polygon, error) {
	polygon := make(hub.Polygon, 0, len(points))
	for _, p := range points {
		parts := strings.Split(p, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("point %q is not X,Y", p)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", p, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", p, err)
		}
		polygon = append(polygon, hub.Point{x, y})
	}
	if len(polygon) < 3 {
		return nil, fmt.Errorf("a redzone needs at least 3 points, got %d", len(polygon))
	}
	return polygon, nil
}
