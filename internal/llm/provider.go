package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Provider 是模型服务的适配层。
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Response, error)
	// InvokeStream 在返回前把增量文本逐段交给 onDelta，返回值与 Invoke 相同。
	InvokeStream(ctx context.Context, req Request, onDelta func(string)) (Response, error)
}

var errNoJSONObject = errors.New("no json object in model output")

// parseJSONObject 从模型输出中提取 JSON 对象，容忍 ``` 代码块包裹与前后多余文本。
func parseJSONObject(text string) (map[string]any, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, errNoJSONObject
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	return out, nil
}

// finishResponse 按请求格式补全 JSON 字段。
func finishResponse(req Request, resp Response) (Response, error) {
	if req.ResponseFormat.Type != FormatJSONSchema {
		return resp, nil
	}
	obj, err := parseJSONObject(resp.Text)
	if err != nil {
		return resp, err
	}
	resp.JSON = obj
	return resp, nil
}
