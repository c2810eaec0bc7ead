package action

import (
	"context"
	"encoding/json"
	"time"
)

func builtins() map[string]Func {
	return map[string]Func{
		"current_time": currentTime,
		"echo":         echo,
	}
}

func currentTime(ctx context.Context, args, config json.RawMessage) Outcome {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return Failed("invalid arguments: %v", err)
		}
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		return Failed("unknown timezone %q", in.Timezone)
	}
	return Succeeded(map[string]string{
		"time":     time.Now().In(loc).Format(time.RFC3339),
		"timezone": in.Timezone,
	})
}

func echo(ctx context.Context, args, config json.RawMessage) Outcome {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return Outcome{Result: args, Success: true}
}
