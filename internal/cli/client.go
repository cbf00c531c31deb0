package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// PlaybookResponse — playbook из API.
type PlaybookResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Spec      map[string]any `json:"spec"`
	CreatedAt string         `json:"created_at"`
}

// ExecutionResponse — выполнение из API.
type ExecutionResponse struct {
	ID         string              `json:"id"`
	PlaybookID string              `json:"playbook_id"`
	Version    int                 `json:"version"`
	Status     string              `json:"status"`
	Input      map[string]any      `json:"input,omitempty"`
	Context    map[string]any      `json:"context,omitempty"`
	ParentID   string              `json:"parent_id,omitempty"`
	Error      string              `json:"error,omitempty"`
	StartedAt  string              `json:"started_at,omitempty"`
	FinishedAt string              `json:"finished_at,omitempty"`
	CreatedAt  string              `json:"created_at"`
	Steps      []StepStateResponse `json:"steps,omitempty"`
}

// StepStateResponse — статус шага из API.
type StepStateResponse struct {
	StepID    string `json:"step_id"`
	Status    string `json:"status"`
	OK        *bool  `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	DoneAt    string `json:"done_at,omitempty"`
}

// DLQEntryResponse — запись DLQ из API.
type DLQEntryResponse struct {
	MessageID   string         `json:"message_id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Kind        string         `json:"kind"`
	Attempts    int            `json:"attempts"`
	ErrorClass  string         `json:"error_class"`
	LastError   string         `json:"last_error"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   string         `json:"created_at"`
}

// ScheduleResponse — расписание из API.
type ScheduleResponse struct {
	ID          string         `json:"id"`
	PlaybookID  string         `json:"playbook_id"`
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone"`
	Enabled     bool           `json:"enabled"`
	NextDueAt   string         `json:"next_due_at,omitempty"`
	LastRunAt   string         `json:"last_run_at,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// --- Request types ---

// CreatePlaybookRequest — публикация версии playbook.
type CreatePlaybookRequest struct {
	Name string          `json:"name"`
	Spec json.RawMessage `json:"spec"`
}

// CreateExecutionRequest — запуск playbook.
type CreateExecutionRequest struct {
	Input          map[string]any `json:"input,omitempty"`
	Version        *int           `json:"version,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ReplayDLQRequest — replay записи DLQ.
type ReplayDLQRequest struct {
	PayloadPatch map[string]any `json:"payload_patch,omitempty"`
}

// CreateScheduleRequest — создание расписания.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	Input       map[string]any `json:"input,omitempty"`
}

// ListExecutionsOpts — параметры фильтрации выполнений.
type ListExecutionsOpts struct {
	Status string
	Limit  int
}

// ListDLQOpts — параметры фильтрации DLQ.
type ListDLQOpts struct {
	ExecutionID string
	Status      string
	Limit       int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Kontur API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Playbooks ---

// ListPlaybooks возвращает последние версии всех playbooks.
func (c *Client) ListPlaybooks() ([]PlaybookResponse, error) {
	var playbooks []PlaybookResponse
	err := c.list("/api/v1/playbooks", nil, &playbooks)
	return playbooks, err
}

// PublishPlaybook публикует версию playbook.
func (c *Client) PublishPlaybook(name string, spec json.RawMessage) (*PlaybookResponse, error) {
	var pb PlaybookResponse
	err := c.post("/api/v1/playbooks", CreatePlaybookRequest{Name: name, Spec: spec}, &pb)
	return &pb, err
}

// GetPlaybook возвращает последнюю версию playbook.
func (c *Client) GetPlaybook(id string) (*PlaybookResponse, error) {
	var pb PlaybookResponse
	err := c.get("/api/v1/playbooks/"+id, &pb)
	return &pb, err
}

// GetPlaybookVersion возвращает конкретную версию playbook.
func (c *Client) GetPlaybookVersion(id string, version int) (*PlaybookResponse, error) {
	var pb PlaybookResponse
	err := c.get(fmt.Sprintf("/api/v1/playbooks/%s/versions/%d", id, version), &pb)
	return &pb, err
}

// --- Executions ---

// StartExecution запускает playbook.
func (c *Client) StartExecution(playbookID string, req CreateExecutionRequest) (*ExecutionResponse, error) {
	var exec ExecutionResponse
	err := c.post("/api/v1/playbooks/"+playbookID+"/executions", req, &exec)
	return &exec, err
}

// ListExecutions возвращает список выполнений с фильтрацией.
func (c *Client) ListExecutions(opts ListExecutionsOpts) ([]ExecutionResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var executions []ExecutionResponse
	err := c.list("/api/v1/executions", params, &executions)
	return executions, err
}

// GetExecution возвращает выполнение со статусами шагов.
func (c *Client) GetExecution(id string) (*ExecutionResponse, error) {
	var exec ExecutionResponse
	err := c.get("/api/v1/executions/"+id, &exec)
	return &exec, err
}

// CancelExecution отменяет выполнение.
func (c *Client) CancelExecution(id string) (*ExecutionResponse, error) {
	var exec ExecutionResponse
	err := c.post("/api/v1/executions/"+id+"/cancel", nil, &exec)
	return &exec, err
}

// --- DLQ ---

// ListDLQ возвращает записи DLQ с фильтрацией.
func (c *Client) ListDLQ(opts ListDLQOpts) ([]DLQEntryResponse, error) {
	params := url.Values{}
	if opts.ExecutionID != "" {
		params.Set("execution_id", opts.ExecutionID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var entries []DLQEntryResponse
	err := c.list("/api/v1/dlq", params, &entries)
	return entries, err
}

// GetDLQEntry возвращает запись DLQ по ID сообщения.
func (c *Client) GetDLQEntry(messageID string) (*DLQEntryResponse, error) {
	var entry DLQEntryResponse
	err := c.get("/api/v1/dlq/"+messageID, &entry)
	return &entry, err
}

// ReplayDLQ возвращает сообщение из DLQ в очередь.
func (c *Client) ReplayDLQ(messageID string, patch map[string]any) error {
	var body any
	if patch != nil {
		body = ReplayDLQRequest{PayloadPatch: patch}
	}
	return c.post("/api/v1/dlq/"+messageID+"/replay", body, nil)
}

// DiscardDLQ помечает запись DLQ отброшенной.
func (c *Client) DiscardDLQ(messageID string) error {
	return c.post("/api/v1/dlq/"+messageID+"/discard", nil, nil)
}

// --- Schedules ---

// ListSchedules возвращает все расписания.
func (c *Client) ListSchedules() ([]ScheduleResponse, error) {
	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", nil, &schedules)
	return schedules, err
}

// CreateSchedule создаёт расписание для playbook.
func (c *Client) CreateSchedule(playbookID string, req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post("/api/v1/playbooks/"+playbookID+"/schedules", req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает расписание по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+id, &schedule)
	return &schedule, err
}

// EnableSchedule включает расписание.
func (c *Client) EnableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put("/api/v1/schedules/"+id+"/enabled", map[string]bool{"enabled": true}, &schedule)
	return &schedule, err
}

// DisableSchedule выключает расписание.
func (c *Client) DisableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put("/api/v1/schedules/"+id+"/enabled", map[string]bool{"enabled": false}, &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет расписание.
func (c *Client) DeleteSchedule(id string) error {
	return c.delete("/api/v1/schedules/" + id)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
