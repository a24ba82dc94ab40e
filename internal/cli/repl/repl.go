package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/shlex"

	httpclient "orbishost/internal/cli/http"
)

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	token        string
	prettyJSON   bool
	outputWriter *bufio.Writer
}

func New(client *httpclient.Client, token string, prettyJSON bool) *Session {
	return &Session{
		client:       client,
		token:        token,
		prettyJSON:   prettyJSON,
		outputWriter: bufio.NewWriter(os.Stdout),
	}
}

// Token is read by the client's token provider.
func (s *Session) Token() string {
	return s.token
}

func (s *Session) Run(ctx context.Context) {
	reader := bufio.NewReader(os.Stdin)
	for {
		_, _ = s.outputWriter.WriteString("plugctl> ")
		_ = s.outputWriter.Flush()
		line, err := reader.ReadString('\n')
		if err != nil {
			s.printLine("read input failed: %v", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	switch tokens[0] {
	case "exit", "quit":
		s.printLine("bye")
		os.Exit(0)
		return nil
	case "help":
		s.printHelp()
		return nil
	case "set":
		return s.handleSet(tokens[1:])
	case "show":
		return s.handleShow(tokens[1:])
	case "list":
		return s.get(ctx, "/api/v1/plugins")
	case "status":
		name, err := oneName(tokens[1:], "status")
		if err != nil {
			return err
		}
		return s.get(ctx, "/api/v1/plugins/"+url.PathEscape(name))
	case "usage":
		name, err := oneName(tokens[1:], "usage")
		if err != nil {
			return err
		}
		return s.get(ctx, "/api/v1/plugins/"+url.PathEscape(name)+"/usage")
	case "start", "stop", "restart":
		name, err := oneName(tokens[1:], tokens[0])
		if err != nil {
			return err
		}
		return s.post(ctx, "/api/v1/plugins/"+url.PathEscape(name)+"/"+tokens[0], nil)
	case "exec":
		return s.handleExec(ctx, tokens[1:])
	default:
		return fmt.Errorf("unknown command: %s", tokens[0])
	}
}

func (s *Session) handleExec(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: exec <plugin> <hook> [json-body]")
	}
	body := []byte("{}")
	if len(args) > 2 {
		raw := strings.Join(args[2:], " ")
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("body is not valid JSON")
		}
		body = []byte(raw)
	}
	path := fmt.Sprintf("/api/v1/plugins/%s/hooks/%s",
		url.PathEscape(args[0]), url.PathEscape(args[1]))
	return s.post(ctx, path, body)
}

func (s *Session) handleSet(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: set base|token|timeout <value>")
	}
	switch args[0] {
	case "base":
		if len(args) < 2 {
			return fmt.Errorf("usage: set base http://127.0.0.1:8090")
		}
		s.client.SetBaseURL(args[1])
		s.printLine("base set to %s", args[1])
	case "timeout":
		if len(args) < 2 {
			return fmt.Errorf("usage: set timeout 10s")
		}
		dur, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		if len(args) < 2 {
			return fmt.Errorf("usage: set token <jwt>")
		}
		s.token = args[1]
		s.printLine("token updated")
	default:
		return fmt.Errorf("unknown set command: %s", args[0])
	}
	return nil
}

func (s *Session) handleShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: show token")
	}
	switch args[0] {
	case "token":
		if s.token == "" {
			s.printLine("token: <empty>")
			return nil
		}
		token := s.token
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		s.printLine("token: %s", token)
	default:
		return fmt.Errorf("usage: show token")
	}
	return nil
}

func (s *Session) get(ctx context.Context, path string) error {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) post(ctx context.Context, path string, body []byte) error {
	resp, err := s.client.Post(ctx, path, body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	s.printLine("  list                              registered plugins")
	s.printLine("  status <plugin>                   lifecycle detail")
	s.printLine("  exec <plugin> <hook> [json-body]  invoke a hook")
	s.printLine("  start|stop|restart <plugin>       lifecycle control")
	s.printLine("  usage <plugin>                    resource usage")
	s.printLine("system: help | exit | set base|timeout|token | show token")
	s.printLine("examples:")
	s.printLine("  exec echo-plugin echo_handler '{\"value\":42}'")
	s.printLine("  status echo-plugin")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}

func oneName(args []string, cmd string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("usage: %s <plugin>", cmd)
	}
	return args[0], nil
}
