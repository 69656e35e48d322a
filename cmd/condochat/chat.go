package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/condominio/condochat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	chatMetricsAddr string
	chatRate        float64
	chatBurst       int
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatOpenCmd)
	chatCmd.AddCommand(chatListingCmd)

	chatCmd.PersistentFlags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	chatCmd.PersistentFlags().Float64Var(&chatRate, "rate", condochat.DefaultCommandRate, "Outbound commands per second (0 disables the limit)")
	chatCmd.PersistentFlags().IntVar(&chatBurst, "burst", condochat.DefaultCommandBurst, "Outbound command burst")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive conversation",
	Long: `Open a conversation and chat interactively.

Plain lines are sent as messages. Commands:
  /offer <amount>   propose a price for the listing
  /accept <id>      accept an offer
  /reject <id>      reject an offer
  /history          print the whole timeline again
  /quit             leave`,
}

var chatOpenCmd = &cobra.Command{
	Use:   "open <chat-id>",
	Short: "Open an existing conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}
		return runChat(func(ctx context.Context, e *condochat.Engine) (*condochat.Session, error) {
			return e.Open(ctx, condochat.ChatID(id))
		})
	},
}

var chatListingCmd = &cobra.Command{
	Use:   "start <listing-id> <seller-id>",
	Short: "Open the conversation about a listing, creating it if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		listingID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid listing id %q", args[0])
		}
		sellerID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid seller id %q", args[1])
		}
		return runChat(func(ctx context.Context, e *condochat.Engine) (*condochat.Session, error) {
			return e.OpenForListing(ctx, condochat.ListingID(listingID), condochat.UserID(sellerID))
		})
	},
}

func runChat(open func(context.Context, *condochat.Engine) (*condochat.Session, error)) error {
	cfg := mustConfig()
	logger := newLogger(cfg)
	client := getClient(cfg)
	rt := getRealtime(cfg, logger)
	if rt == nil {
		return errors.New("no push key configured; run 'condochat config set push.app_key <key>'")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics, err := condochat.NewMetrics(reg)
	if err != nil {
		return err
	}
	if chatMetricsAddr != "" {
		srv := serveMetrics(chatMetricsAddr, reg, logger)
		defer srv.Close()
	}

	out := newTimelineView(os.Stdout)
	rt.OnReconnecting(func(attempt int, delay time.Duration) {
		out.status(fmt.Sprintf("connection lost, retrying in %s (attempt %d)", delay.Round(time.Millisecond), attempt))
	})
	rt.OnConnected(func(string) { out.status("connected") })
	rt.OnDisconnected(func(code int, reason string) {
		out.status(fmt.Sprintf("disconnected (%d %s)", code, reason))
	})
	rt.OnError(func(perr *condochat.PusherError) { out.status(perr.Error()) })

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = rt.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect push service: %w", err)
	}
	defer rt.Disconnect()

	engine := condochat.NewEngine(client.Chats, rt,
		condochat.WithLogger(logger),
		condochat.WithMetrics(metrics),
		condochat.WithRateLimit(chatRate, chatBurst),
		condochat.WithNotifier(condochat.NotifierFunc(out.notify)),
		condochat.WithOnChange(out.render),
	)
	defer engine.Close()

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	s, err := open(openCtx, engine)
	cancel()
	if err != nil {
		return err
	}
	out.status(fmt.Sprintf("chat %d, listing %d. Type /quit to leave.", s.ChatID(), s.ListingID()))

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, engine, out, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

// handleLine runs one line of user input and reports whether to quit.
// The engine reports every command outcome, rejections included, through
// the notifier, so returned errors are not printed again.
func handleLine(ctx context.Context, e *condochat.Engine, out *timelineView, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		_ = e.SendMessage(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/history":
		if s := e.Active(); s != nil {
			out.reset()
			out.render(s)
		}
	case "/offer":
		amount, err := decimal.NewFromString(arg)
		if err != nil {
			out.status(fmt.Sprintf("invalid amount %q", arg))
			return false
		}
		_ = e.SendOffer(ctx, amount)
	case "/accept", "/reject":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			out.status(fmt.Sprintf("invalid offer id %q", arg))
			return false
		}
		_ = e.RespondOffer(ctx, condochat.ItemID(id), cmd == "/accept")
	default:
		out.status("unknown command " + cmd)
	}
	return false
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

// ============================================================================
// Rendering
// ============================================================================

// timelineView prints timeline lines that are new or changed since the last
// render.
type timelineView struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]string
}

func newTimelineView(w io.Writer) *timelineView {
	return &timelineView{w: w, printed: make(map[string]string)}
}

func (v *timelineView) reset() {
	v.mu.Lock()
	v.printed = make(map[string]string)
	v.mu.Unlock()
}

func (v *timelineView) render(s *condochat.Session) {
	items := s.Snapshot()
	tracker := s.Delivery()

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, it := range items {
		key, line := formatItem(it, tracker)
		if v.printed[key] == line {
			continue
		}
		v.printed[key] = line
		fmt.Fprintln(v.w, line)
	}
}

func (v *timelineView) notify(n condochat.Notification) {
	msg := n.Message
	if n.Err != nil && !condochat.IsValidation(n.Err) {
		msg += ": " + n.Err.Error()
	}
	v.status(fmt.Sprintf("%s: %s", n.Severity, msg))
}

func (v *timelineView) status(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.w, "-- %s\n", msg)
}

// formatItem returns a stable key for it and its display line. A provisional
// message keeps its key once confirmed so the confirmation updates the same
// entry.
func formatItem(it condochat.TimelineItem, tracker condochat.DeliveryTracker) (string, string) {
	ts := it.Timestamp().Local().Format("15:04")
	switch item := it.(type) {
	case *condochat.Message:
		key := "m" + strconv.FormatInt(int64(item.ID), 10)
		if item.ClientID != "" {
			key = "c" + item.ClientID
		}
		who := "them"
		if item.SenderID == tracker.Self {
			who = "you"
		}
		mark := ""
		switch {
		case item.Provisional():
			mark = " …"
		case tracker.State(item) == condochat.DeliveryRead:
			mark = " ✓✓"
		case tracker.State(item) == condochat.DeliverySent:
			mark = " ✓"
		}
		return key, fmt.Sprintf("[%s] %s: %s%s", ts, who, item.Text, mark)
	case *condochat.Offer:
		key := "o" + strconv.FormatInt(int64(item.ID), 10)
		who := "they"
		if item.ProposerID == tracker.Self {
			who = "you"
		}
		status := item.Status.String()
		if item.Unconfirmed() {
			status += "?"
		}
		return key, fmt.Sprintf("[%s] %s offered %s (%s) #%d", ts, who, item.Amount.StringFixed(2), status, item.ID)
	}
	return "", ""
}
