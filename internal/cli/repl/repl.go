package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"judgeline/internal/cli/command"
	"judgeline/internal/cli/config"
	httpclient "judgeline/internal/cli/http"
	"judgeline/internal/cli/state"
	"judgeline/internal/common/mq"
	pkgerrors "judgeline/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const defaultPrompt = "judgeline> "

// LineReader is the input side of the REPL. *readline.Instance satisfies it.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

// ProducerFactory opens the result topic producer on first use.
type ProducerFactory func() (mq.Producer, error)

// Options wires a Session.
type Options struct {
	Lines      LineReader
	Out        io.Writer
	Client     *httpclient.Client
	Commands   map[string]command.Command
	TokenState *state.TokenState
	Config     config.Config
	Producer   ProducerFactory
	Now        func() time.Time
}

// Session holds REPL state.
type Session struct {
	lines      LineReader
	out        io.Writer
	client     *httpclient.Client
	commands   map[string]command.Command
	tokenState *state.TokenState
	cfg        config.Config
	newProd    ProducerFactory
	producer   mq.Producer
	now        func() time.Time
}

// NewReadline opens a terminal line editor with persistent history.
func NewReadline(historyFile string) (*readline.Instance, error) {
	return readline.NewEx(&readline.Config{
		Prompt:          defaultPrompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(command.Registry()),
	})
}

func completer(commands map[string]command.Command) readline.AutoCompleter {
	services := map[string][]readline.PrefixCompleterInterface{}
	for _, key := range command.SortedKeys(commands) {
		cmd := commands[key]
		services[cmd.Service] = append(services[cmd.Service], readline.PcItem(cmd.Action))
	}
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("set", readline.PcItem("base"), readline.PcItem("timeout"), readline.PcItem("token")),
		readline.PcItem("show", readline.PcItem("token"), readline.PcItem("config")),
	}
	for _, service := range sortedServices(services) {
		items = append(items, readline.PcItem(service, services[service]...))
	}
	return readline.NewPrefixCompleter(items...)
}

func sortedServices(services map[string][]readline.PrefixCompleterInterface) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func New(opts Options) *Session {
	if opts.Commands == nil {
		opts.Commands = command.Registry()
	}
	if opts.TokenState == nil {
		opts.TokenState = &state.TokenState{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		lines:      opts.Lines,
		out:        opts.Out,
		client:     opts.Client,
		commands:   opts.Commands,
		tokenState: opts.TokenState,
		cfg:        opts.Config,
		newProd:    opts.Producer,
		now:        opts.Now,
	}
}

// Run reads commands until exit or end of input.
func (s *Session) Run(ctx context.Context) error {
	for {
		s.lines.SetPrompt(defaultPrompt)
		line, err := s.lines.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		exit, handled := s.handleSystemCommand(line)
		if exit {
			s.printLine("bye")
			return nil
		}
		if handled {
			continue
		}
		if err := s.Execute(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) (exit bool, handled bool) {
	switch line {
	case "exit", "quit":
		return true, true
	case "help":
		s.printHelp()
		return false, true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return false, true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return false, true
	}
	return false, false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|token|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8086")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		if len(parts) < 2 {
			s.printLine("usage: set token <access_token>")
			return
		}
		*s.tokenState = state.TokenState{AccessToken: parts[1]}
		s.saveToken()
		s.printLine("token updated")
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "token":
		if s.tokenState.AccessToken == "" {
			s.printLine("token: <empty>")
			return
		}
		token := s.tokenState.AccessToken
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		s.printLine("token: %s", token)
		if s.tokenState.UserID > 0 {
			s.printLine("user: %d (%s) expires %s", s.tokenState.UserID, s.tokenState.Role, s.tokenState.ExpiresAt.Format(time.RFC3339))
		}
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("resultsTopic: %s", s.cfg.ResultsTopic)
		s.printLine("tokenStatePath: %s", s.cfg.TokenStatePath)
	default:
		s.printLine("usage: show token|config")
	}
}

// Execute runs one "<service> <action> key=value ..." line.
func (s *Session) Execute(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	cmd, ok := s.commands[tokens[0]+" "+tokens[1]]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", tokens[0], tokens[1])
	}
	params, err := command.ParseArgs(tokens[2:])
	if err != nil {
		return err
	}

	command.ApplyShortcuts(cmd, params)
	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}

	switch cmd.Kind {
	case command.KindPublish:
		return s.publishResult(ctx, params)
	case command.KindLocal:
		return s.issueToken(params)
	default:
		return s.sendRequest(ctx, cmd, params)
	}
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	for _, field := range command.MissingFields(cmd, params) {
		s.lines.SetPrompt(field.Prompt + ": ")
		value, err := s.lines.Readline()
		if err != nil {
			return fmt.Errorf("read %s failed: %w", field.Name, err)
		}
		params.Set(field.Name, strings.TrimSpace(value))
	}
	s.lines.SetPrompt(defaultPrompt)
	return nil
}

func (s *Session) sendRequest(ctx context.Context, cmd command.Command, params command.Params) error {
	if cmd.RequiresAuth {
		switch {
		case s.tokenState.AccessToken == "":
			s.printLine("warning: no access token, run \"token issue\" or \"set token\"")
		case s.tokenState.Expired(s.now()):
			s.printLine("warning: access token expired at %s", s.tokenState.ExpiresAt.Format(time.RFC3339))
		}
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) publishResult(ctx context.Context, params command.Params) error {
	notification, err := command.BuildResult(params)
	if err != nil {
		return err
	}
	producer, err := s.resultProducer()
	if err != nil {
		return err
	}
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal result failed: %w", err)
	}
	msg := mq.NewMessage(body)
	msg.Key = strconv.FormatInt(notification.SubmissionID, 10)
	msg.SetHeader("source", "judgectl")
	if err := producer.Publish(ctx, s.cfg.ResultsTopic, msg); err != nil {
		return fmt.Errorf("publish result failed: %w", err)
	}
	target := "submission"
	if notification.IsPerTestCase() {
		target = "test case " + notification.NormalizedTestCaseID()
	}
	s.printLine("published %s for submission %d (%s) to %s", notification.Status, notification.SubmissionID, target, s.cfg.ResultsTopic)
	return nil
}

func (s *Session) resultProducer() (mq.Producer, error) {
	if s.producer != nil {
		return s.producer, nil
	}
	if s.newProd == nil {
		return nil, fmt.Errorf("result publishing is not configured")
	}
	producer, err := s.newProd()
	if err != nil {
		return nil, fmt.Errorf("connect result topic failed: %w", err)
	}
	s.producer = producer
	return producer, nil
}

func (s *Session) issueToken(params command.Params) error {
	caller, err := command.ParseIdentity(params)
	if err != nil {
		return err
	}
	issued, err := state.IssueToken(s.cfg.Auth.JWTSecret, s.cfg.Auth.JWTIssuer, caller, s.cfg.Auth.TokenTTL, s.now())
	if err != nil {
		return err
	}
	*s.tokenState = issued
	s.saveToken()
	s.printLine("token issued for user %d (%s), expires %s", issued.UserID, issued.Role, issued.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (s *Session) saveToken() {
	if s.cfg.TokenStatePath == "" {
		return
	}
	if err := state.Save(s.cfg.TokenStatePath, *s.tokenState); err != nil {
		s.printLine("save token failed: %v", err)
	}
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	header := fmt.Sprintf("HTTP %d (%s)", resp.StatusCode, resp.Duration.Round(time.Millisecond))
	if trace := resp.TraceID(); trace != "" {
		header += " trace=" + trace
	}
	s.printLine("%s", header)
	if len(resp.Body) == 0 {
		return
	}
	if env, err := resp.Envelope(); err == nil && env.Code != pkgerrors.Success {
		s.printLine("%s (code %d)", env.Message, env.Code)
	}
	if s.cfg.PrettyJSON != nil && *s.cfg.PrettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

// Close releases the line reader and any open producer.
func (s *Session) Close() error {
	if closer, ok := s.producer.(io.Closer); ok {
		_ = closer.Close()
	}
	return s.lines.Close()
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout|token | show token|config")
	s.printLine("commands:")
	for _, key := range command.SortedKeys(s.commands) {
		s.printLine("  %s", s.commands[key].Usage)
	}
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
