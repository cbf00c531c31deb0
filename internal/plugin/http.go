package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPPlugin — плагин типа "http".
//
// Config:
//   - method (string): HTTP-метод (GET, POST, PUT, DELETE). Default: GET
//   - url (string): URL для запроса (обязательно)
//   - headers (map[string]any): HTTP-заголовки
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//
// Args:
//   - body (any): тело запроса (сериализуется в JSON); если body не задан
//     и args непусты, телом становятся args целиком
//
// Output:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
//
// Статус >= 400 — ошибка: 5xx и 429 retryable, остальные fatal.
// Output сохраняется в обоих случаях, чтобы ветвление по status_code
// в условиях рёбер работало и для неуспешных ответов.
type HTTPPlugin struct {
	// Client — HTTP-клиент; nil означает клиент по умолчанию.
	Client *http.Client
}

// Execute выполняет HTTP-запрос.
func (p *HTTPPlugin) Execute(ctx context.Context, call Call) (*Result, error) {
	method := getString(call.Config, "method", http.MethodGet)
	url := getString(call.Config, "url", "")
	if url == "" {
		return nil, Fatal(fmt.Errorf("%w: http plugin requires \"url\"", ErrBadConfig))
	}

	if sec := getFloat(call.Config, "timeout_sec", 0); sec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(sec*float64(time.Second)))
		defer cancel()
	} else if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultHTTPTimeout)
		defer cancel()
	}

	bodyReader, err := requestBody(call)
	if err != nil {
		return nil, Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, Fatal(fmt.Errorf("create request: %w", err))
	}
	setHeaders(req, call.Config)
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, Retryable(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryable(fmt.Errorf("read response: %w", err))
	}

	result := &Result{
		Output: buildHTTPOutput(resp, respBody),
		Logs:   []string{fmt.Sprintf("%s %s -> %d", method, url, resp.StatusCode)},
	}

	if resp.StatusCode >= 400 {
		httpErr := fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return result, Retryable(httpErr)
		}
		return result, Fatal(httpErr)
	}
	return result, nil
}

// requestBody формирует тело запроса: args["body"], либо args целиком.
func requestBody(call Call) (io.Reader, error) {
	body, ok := call.Args["body"]
	if !ok {
		if len(call.Args) == 0 {
			return nil, nil
		}
		body = call.Args
	}
	if body == nil {
		return nil, nil
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return bytes.NewReader(bodyBytes), nil
}

// buildHTTPOutput формирует output из HTTP-ответа.
func buildHTTPOutput(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Пробуем JSON, иначе строка.
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// setHeaders устанавливает заголовки из конфигурации.
func setHeaders(req *http.Request, config map[string]any) {
	headers, ok := config["headers"]
	if !ok || headers == nil {
		return
	}

	switch h := headers.(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}
