// Command botctl drives the trading bot daemon over its control API.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2"))

	errStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("1"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

const usage = `usage: botctl [-addr URL] <command> [args]

commands:
  start [-mode demo|live]      start a new session
  stop [id]                    stop a session (default: latest)
  status [id]                  show bot status
  performance [id]             show performance figures
  health                       show daemon and latest session health
  emergency -confirm [id]      flatten everything and stop
  trend up|down [id]           change the DCA trend
  sessions                     list sessions
  trades [-limit N]            show recent trades
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Msg)
}

type client struct {
	http *resty.Client
}

func newClient(addr string) *client {
	return &client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(addr, "/")).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

// call sends a request and decodes a JSON object or array into out.
func (c *client) call(method, path string, body, out interface{}) error {
	req := c.http.R()
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		var e struct {
			Error string `json:"error"`
		}
		msg := resp.String()
		if json.Unmarshal(resp.Body(), &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode(), Msg: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Body(), out)
}

func sessionArg(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return "latest"
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("botctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	defaultAddr := os.Getenv("BOT_API")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8080"
	}
	addr := fs.String("addr", defaultAddr, "control API base URL")
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	c := newClient(*addr)
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	err := dispatch(c, cmd, rest, stdout)
	var usageErr usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &usageErr):
		fmt.Fprintln(stderr, errStyle.Render(err.Error()))
		fmt.Fprint(stderr, usage)
		return 2
	default:
		fmt.Fprintln(stderr, errStyle.Render("error: "+err.Error()))
		return 1
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func dispatch(c *client, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "start":
		fs := flag.NewFlagSet("start", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		mode := fs.String("mode", "", "demo or live")
		if err := fs.Parse(args); err != nil {
			return usageError("start: " + err.Error())
		}
		body := map[string]string{}
		if *mode != "" {
			body["mode"] = *mode
		}
		var sess map[string]interface{}
		if err := c.call("POST", "/api/bot/start", body, &sess); err != nil {
			return err
		}
		fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("session %v started (%v)", sess["id"], sess["mode"])))
		return nil

	case "stop":
		var sess map[string]interface{}
		if err := c.call("POST", "/api/bot/"+sessionArg(args)+"/stop", nil, &sess); err != nil {
			return err
		}
		fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("session %v %v", sess["id"], sess["state"])))
		return nil

	case "status":
		var resp map[string]interface{}
		if err := c.call("GET", "/api/bot/"+sessionArg(args)+"/status", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintln(out, renderStatus(resp))
		return nil

	case "performance":
		var perf map[string]interface{}
		if err := c.call("GET", "/api/bot/"+sessionArg(args)+"/performance", nil, &perf); err != nil {
			return err
		}
		fmt.Fprintln(out, renderTable("Performance", perf))
		return nil

	case "health":
		var h map[string]interface{}
		if err := c.call("GET", "/api/health", nil, &h); err != nil {
			return err
		}
		bot, _ := h["bot"].(map[string]interface{})
		delete(h, "bot")
		fmt.Fprintln(out, renderTable("Daemon", h))
		if bot != nil {
			fmt.Fprintln(out, renderTable("Latest session", bot))
		}
		return nil

	case "emergency":
		fs := flag.NewFlagSet("emergency", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		confirm := fs.Bool("confirm", false, "required")
		if err := fs.Parse(args); err != nil {
			return usageError("emergency: " + err.Error())
		}
		if !*confirm {
			return usageError("emergency stop closes all positions; pass -confirm")
		}
		var resp map[string]interface{}
		body := map[string]bool{"confirm": true}
		if err := c.call("POST", "/api/bot/"+sessionArg(fs.Args())+"/emergency-stop", body, &resp); err != nil {
			return err
		}
		fmt.Fprintln(out, errStyle.Render("EMERGENCY STOP executed; kill switch engaged"))
		return nil

	case "trend":
		if len(args) == 0 {
			return usageError("trend: expected up or down")
		}
		body := map[string]string{"trend": args[0]}
		if err := c.call("POST", "/api/bot/"+sessionArg(args[1:])+"/trend", body, nil); err != nil {
			return err
		}
		fmt.Fprintln(out, okStyle.Render("trend change to "+args[0]+" queued"))
		return nil

	case "sessions":
		var sessions []map[string]interface{}
		if err := c.call("GET", "/api/bot/sessions", nil, &sessions); err != nil {
			return err
		}
		fmt.Fprintln(out, titleStyle.Render("Sessions"))
		for _, s := range sessions {
			fmt.Fprintf(out, "%v  %-5v  %-8v  %v\n", s["id"], s["mode"], s["state"], s["started_at"])
		}
		return nil

	case "trades":
		fs := flag.NewFlagSet("trades", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		limit := fs.Int("limit", 20, "rows")
		if err := fs.Parse(args); err != nil {
			return usageError("trades: " + err.Error())
		}
		var trades []map[string]interface{}
		if err := c.call("GET", fmt.Sprintf("/api/trades?limit=%d", *limit), nil, &trades); err != nil {
			return err
		}
		fmt.Fprintln(out, titleStyle.Render("Trades"))
		for _, t := range trades {
			fmt.Fprintf(out, "%v  %-4v %-14v %-9v qty=%v price=%v  %v\n",
				t["created_at"], t["side"], t["trade_type"], t["status"], t["quantity"], t["price"], t["order_id"])
		}
		return nil
	}
	return usageError("unknown command: " + cmd)
}

func renderStatus(resp map[string]interface{}) string {
	st, _ := resp["status"].(map[string]interface{})
	if st == nil {
		return renderTable("Status", resp)
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%v  %v", st["symbol"], st["state"])))
	b.WriteString("\n")
	summary := map[string]interface{}{
		"cycles":     st["cycles"],
		"last_cycle": st["last_cycle"],
		"started_at": st["started_at"],
	}
	b.WriteString(renderTable("", summary))
	for _, name := range []string{"grid", "dca", "risk"} {
		section, _ := st[name].(map[string]interface{})
		if section == nil {
			continue
		}
		delete(section, "levels")
		b.WriteString("\n")
		b.WriteString(renderTable(strings.ToUpper(name), section))
	}
	return b.String()
}

// renderTable draws a flat key/value box; nested values are shown as JSON.
func renderTable(title string, m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	width := 0
	for k := range m {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		v := m[k]
		var text string
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			raw, _ := json.Marshal(v)
			text = string(raw)
		case nil:
			text = "-"
		default:
			text = fmt.Sprint(v)
		}
		lines = append(lines, keyStyle.Render(fmt.Sprintf("%-*s", width, k))+"  "+text)
	}
	body := boxStyle.Render(strings.Join(lines, "\n"))
	if title == "" {
		return body
	}
	return titleStyle.Render(title) + "\n" + body
}
