package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/g960059/vlab/internal/api"
	"github.com/g960059/vlab/internal/config"
	"github.com/g960059/vlab/internal/db"
	"github.com/g960059/vlab/internal/model"
	"github.com/g960059/vlab/internal/scpi"
)

type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
	palette palette
}

type palette struct {
	ok   func(string, ...any) string
	warn func(string, ...any) string
	bad  func(string, ...any) string
	dim  func(string, ...any) string
}

func newPalette(enabled bool) palette {
	mk := func(attrs ...color.Attribute) func(string, ...any) string {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintfFunc()
	}
	return palette{
		ok:   mk(color.FgGreen),
		warn: mk(color.FgYellow),
		bad:  mk(color.FgRed, color.Bold),
		dim:  mk(color.Faint),
	}
}

func NewRunner(adminAddr string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient("http://"+adminAddr, &http.Client{Timeout: 10 * time.Second}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
		palette: newPalette(colorable(out)),
	}
}

// colorable reports whether w is a terminal. NO_COLOR disables color
// everywhere.
func colorable(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type globalArgs struct {
	admin   string
	noColor bool
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	global, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if global.admin != "" {
		r.baseURL = "http://" + global.admin
	}
	if global.noColor {
		r.palette = newPalette(false)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx, rest[1:])
	case "sessions":
		return r.runSessions(ctx, rest[1:])
	case "journal":
		return r.runJournal(ctx, rest[1:])
	case "send":
		return r.runSend(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (globalArgs, []string, error) {
	var g globalArgs
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--admin":
			if i+1 >= len(args) {
				return globalArgs{}, nil, fmt.Errorf("--admin requires value")
			}
			g.admin = args[i+1]
			i++
		case "--no-color":
			g.noColor = true
		default:
			rest = append(rest, args[i])
		}
	}
	return g, rest, nil
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var h api.HealthResponse
	if err := json.Unmarshal(body, &h); err != nil {
		return r.handleErr(err)
	}
	status := r.palette.ok("%s", h.Status)
	if h.Status != "ok" {
		status = r.palette.warn("%s", h.Status)
	}
	ports := make([]string, 0, len(h.Ports))
	for _, p := range h.Ports {
		ports = append(ports, strconv.Itoa(p))
	}
	_, _ = fmt.Fprintf(r.out, "%s\texperiment=%s\tports=%s\tsessions=%d\tup=%s\n",
		status, h.Experiment, strings.Join(ports, ","), h.Sessions, h.GeneratedAt.Sub(h.StartedAt).Round(time.Second))
	return 0
}

func (r *Runner) runSessions(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	client := fs.String("client", "", "client identity")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	if strings.TrimSpace(*client) != "" {
		query.Set("client", strings.TrimSpace(*client))
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/sessions", query)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var env api.SessionsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CLIENT\tSESSION\tEXPERIMENT\tCONNS\tIDLE")
	for _, s := range env.Sessions {
		conns := r.palette.ok("%d", s.ActiveConns)
		if s.ActiveConns == 0 {
			conns = r.palette.dim("%d", s.ActiveConns)
		}
		idle := time.Duration(s.IdleSeconds * float64(time.Second)).Round(time.Second)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ClientIdentity, s.SessionID, s.Experiment, conns, idle)
	}
	_ = tw.Flush()
	return 0
}

// runJournal reads the session journal database directly; it works while
// the daemon is stopped.
func (r *Runner) runJournal(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", config.DefaultConfig().JournalPath, "journal database path")
	limit := fs.Int("limit", 50, "maximum rows")
	client := fs.String("client", "", "client identity")
	openOnly := fs.Bool("open", false, "only sessions that have not ended")
	errorsOf := fs.String("errors", "", "list command errors of a session id")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if _, err := os.Stat(*dbPath); err != nil {
		return r.handleErr(fmt.Errorf("journal %s: %w", *dbPath, err))
	}
	store, err := db.Open(ctx, *dbPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return r.handleErr(err)
	}

	if strings.TrimSpace(*errorsOf) != "" {
		if _, err := store.GetSession(ctx, *errorsOf); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return r.handleErr(fmt.Errorf("session %s not found", *errorsOf))
			}
			return r.handleErr(err)
		}
		recs, err := store.ListCommandErrors(ctx, *errorsOf, *limit)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(recs)
		}
		tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TIME\tPORT\tCODE\tCOMMAND\tMESSAGE")
		for _, e := range recs {
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
				e.OccurredAt.Format(time.RFC3339), e.Port, r.palette.bad("%d", e.ErrorCode), e.Command, e.Message)
		}
		_ = tw.Flush()
		return 0
	}

	recs, err := store.ListSessions(ctx, model.SessionFilter{ClientIdentity: *client, OpenOnly: *openOnly, Limit: *limit})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(recs)
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CREATED\tCLIENT\tSESSION\tEXPERIMENT\tENDED")
	for _, s := range recs {
		ended := r.palette.ok("open")
		if !s.Open() {
			ended = r.palette.dim("%s (%s)", s.EndedAt.Format(time.RFC3339), s.EndReason)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.CreatedAt.Format(time.RFC3339), s.ClientIdentity, s.SessionID, s.Experiment, ended)
	}
	_ = tw.Flush()
	return 0
}

// runSend writes one protocol line to an instrument port and prints the
// reply. Setters normally produce none, so their reply is awaited only for
// -wait.
func (r *Runner) runSend(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	host := fs.String("host", "127.0.0.1", "instrument host")
	wait := fs.Duration("wait", 300*time.Millisecond, "how long to wait for a setter reply")
	timeout := fs.Duration("timeout", 5*time.Second, "dial and query timeout")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() < 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: vlab send [-host h] <port> <line>")
		return 2
	}
	port, err := strconv.Atoi(fs.Arg(0))
	if err != nil || port <= 0 || port > 65535 {
		_, _ = fmt.Fprintf(r.errOut, "error: invalid port %q\n", fs.Arg(0))
		return 2
	}
	line := strings.Join(fs.Args()[1:], " ")

	d := net.Dialer{Timeout: *timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(*host, strconv.Itoa(port)))
	if err != nil {
		return r.handleErr(err)
	}
	defer conn.Close() //nolint:errcheck
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return r.handleErr(err)
	}

	deadline := time.Now().Add(*wait)
	if hasQuery(line) {
		deadline = time.Now().Add(*timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return r.handleErr(err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		var ne net.Error
		if !hasQuery(line) && ((errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, io.EOF)) {
			return 0
		}
		return r.handleErr(fmt.Errorf("read reply: %w", err))
	}
	reply = strings.TrimRight(reply, "\r\n")
	if scpi.LooksLikeError(reply) {
		_, _ = fmt.Fprintln(r.out, r.palette.bad("%s", reply))
		return 1
	}
	_, _ = fmt.Fprintln(r.out, reply)
	return 0
}

func hasQuery(line string) bool {
	for _, unit := range strings.Split(line, string(scpi.UnitSeparator)) {
		if scpi.LooksLikeQuery(unit) {
			return true
		}
	}
	return false
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (r *Runner) writeRaw(body []byte) int {
	_, _ = r.out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = fmt.Fprintln(r.out)
	}
	return 0
}

func (r *Runner) writeJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: vlab [--admin <addr>] [--no-color] <health|sessions|journal|send> ...")
}
