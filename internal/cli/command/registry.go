package command

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"judgeline/internal/judge/model"
	"judgeline/pkg/identity"
)

const fileMarker = "_file_"

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "submission",
			Action:       "create",
			Kind:         KindHTTP,
			Method:       http.MethodPost,
			PathTemplate: "/api/v1/submissions",
			RequiresAuth: true,
			Usage:        "submission create problem_id=1 language=cpp source_file=./main.cpp [idempotency_key=k]",
			Fields: []Field{
				{Name: "problem_id", Aliases: []string{"problem"}, Prompt: "problem_id", Type: FieldInt64, Required: true},
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language (cpp|python|java|go)", Type: FieldString, Required: true},
				{Name: "code", Prompt: "code", Type: FieldString, Required: true},
				{Name: "source_file", Aliases: []string{"file"}, Prompt: "source_file", Type: FieldFile},
				{Name: "idempotency_key", Aliases: []string{"key"}, Prompt: "idempotency_key", Type: FieldString},
			},
		},
		{
			Service:      "submission",
			Action:       "get",
			Kind:         KindHTTP,
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/submissions/:id",
			RequiresAuth: true,
			Usage:        "submission get id=42",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Service:      "submission",
			Action:       "list",
			Kind:         KindHTTP,
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/submissions",
			Query:        []string{"page", "problem_id", "user_id"},
			RequiresAuth: true,
			Usage:        "submission list [page=1] [problem_id=1] [user_id=7]",
			Fields: []Field{
				{Name: "page", Prompt: "page", Type: FieldInt},
				{Name: "problem_id", Aliases: []string{"problem"}, Prompt: "problem_id", Type: FieldInt64},
				{Name: "user_id", Aliases: []string{"user"}, Prompt: "user_id", Type: FieldInt64},
			},
		},
		{
			Service: "result",
			Action:  "publish",
			Kind:    KindPublish,
			Usage:   "result publish submission_id=42 status=PASSED [test_case_id=<uuid>] [time=0.12] [memory=16]",
			Fields: []Field{
				{Name: "submission_id", Aliases: []string{"id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
				{Name: "status", Prompt: "status (ac|tle|mle|ce|re|RUNNING)", Type: FieldString, Required: true},
				{Name: "test_case_id", Aliases: []string{"test_case", "tc"}, Prompt: "test_case_id", Type: FieldString},
				{Name: "time", Aliases: []string{"execution_time_seconds"}, Prompt: "execution time (s)", Type: FieldFloat},
				{Name: "memory", Aliases: []string{"memory_used_mb"}, Prompt: "memory (MB)", Type: FieldFloat},
			},
		},
		{
			Service: "token",
			Action:  "issue",
			Kind:    KindLocal,
			Usage:   "token issue user_id=1 role=ADMIN",
			Fields: []Field{
				{Name: "user_id", Aliases: []string{"user"}, Prompt: "user_id", Type: FieldInt64, Required: true},
				{Name: "role", Prompt: "role (USER|ADMIN)", Type: FieldString, Required: true},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// SortedKeys lists registry keys alphabetically, for help output.
func SortedKeys(commands map[string]Command) []string {
	keys := make([]string, 0, len(commands))
	for key := range commands {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ApplyShortcuts lets a source file stand in for an inline code value.
func ApplyShortcuts(cmd Command, params Params) {
	params.Canonicalize(cmd.Fields)
	if cmd.Key() == "submission create" && params.Get("source_file") != "" && params.Get("code") == "" {
		params.Set("code", fileMarker)
	}
}

// MissingFields lists required fields the user has not supplied yet.
func MissingFields(cmd Command, params Params) []Field {
	var missing []Field
	for _, field := range cmd.Fields {
		if field.Required && strings.TrimSpace(params.Get(field.Name)) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	if cmd.Kind != KindHTTP {
		return RequestSpec{}, fmt.Errorf("%s is not an http command", cmd.Key())
	}
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	query, err := buildQuery(cmd.Query, params)
	if err != nil {
		return RequestSpec{}, err
	}
	if query != "" {
		path += "?" + query
	}

	headers := map[string]string{}
	if cmd.Key() == "submission create" {
		headers["Idempotency-Key"] = params.Get("idempotency_key")
	}

	var body []byte
	if cmd.Method != http.MethodGet && cmd.Method != http.MethodDelete {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}, nil
}

// BuildResult turns params into a validated result notification.
func BuildResult(params Params) (*model.ResultNotification, error) {
	submissionID, err := ParseInt64(params.Get("submission_id"))
	if err != nil {
		return nil, fmt.Errorf("invalid submission_id: %w", err)
	}
	status, err := parseResultStatus(params.Get("status"))
	if err != nil {
		return nil, err
	}
	notification := &model.ResultNotification{
		SubmissionID: submissionID,
		Status:       status,
	}
	if tc := strings.TrimSpace(params.Get("test_case_id")); tc != "" {
		notification.TestCaseID = &tc
	}
	if notification.ExecutionTimeSeconds, err = optionalFloat(params, "time"); err != nil {
		return nil, err
	}
	if notification.MemoryUsedMB, err = optionalFloat(params, "memory"); err != nil {
		return nil, err
	}
	if err := notification.Validate(); err != nil {
		return nil, err
	}
	return notification, nil
}

// statusShorthands are the verdict abbreviations operators type at the prompt.
var statusShorthands = map[string]model.Status{
	"ac":  model.StatusPassed,
	"tle": model.StatusTimeLimitExceeded,
	"mle": model.StatusMemoryLimitExceeded,
	"ce":  model.StatusCompilationError,
	"re":  model.StatusRuntimeError,
}

func parseResultStatus(raw string) (model.Status, error) {
	if status, ok := statusShorthands[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status, nil
	}
	return model.ParseStatus(raw)
}

// ParseIdentity validates the token issue params.
func ParseIdentity(params Params) (identity.Identity, error) {
	userID, err := ParseInt64(params.Get("user_id"))
	if err != nil || userID <= 0 {
		return identity.Identity{}, fmt.Errorf("invalid user_id %q", params.Get("user_id"))
	}
	role := identity.ParseRole(params.Get("role"))
	if role == "" {
		return identity.Identity{}, fmt.Errorf("invalid role %q", params.Get("role"))
	}
	return identity.Identity{UserID: userID, Role: role}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	for _, key := range []string{"id"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			if _, err := ParseInt64(value); err != nil {
				return "", fmt.Errorf("invalid %s: %w", key, err)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
		}
	}
	return path, nil
}

// buildQuery maps snake_case params onto the camelCase query names the API reads.
func buildQuery(keys []string, params Params) (string, error) {
	values := url.Values{}
	for _, key := range keys {
		raw := strings.TrimSpace(params.Get(key))
		if raw == "" {
			continue
		}
		n, err := ParseInt64(raw)
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid %s: %q", key, raw)
		}
		values.Set(camelCase(key), strconv.FormatInt(n, 10))
	}
	return values.Encode(), nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Key() {
	case "submission create":
		return buildSubmitCreatePayload(params)
	}
	return nil, nil
}

func buildSubmitCreatePayload(params Params) (interface{}, error) {
	problemID, err := ParseInt64(params.Get("problem_id"))
	if err != nil {
		return nil, fmt.Errorf("invalid problem_id: %w", err)
	}

	code := params.Get("code")
	if (code == "" || code == fileMarker) && params.Get("source_file") != "" {
		code, err = ReadFile(params.Get("source_file"))
		if err != nil {
			return nil, err
		}
	}
	if code == "" || code == fileMarker {
		return nil, fmt.Errorf("code is required")
	}

	return map[string]interface{}{
		"problemId": problemID,
		"language":  params.Get("language"),
		"code":      code,
	}, nil
}

func optionalFloat(params Params, key string) (*float64, error) {
	raw := strings.TrimSpace(params.Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := ParseFloat(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &v, nil
}

func camelCase(key string) string {
	parts := strings.Split(key, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
