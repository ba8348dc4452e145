/*
Copyright 2025 The Aibrix Team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/api"
	prometheusv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/config"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/retry"
)

var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// BuildQuery substitutes ${name} placeholders in a PromQL template. Unknown
// placeholders are left untouched.
func BuildQuery(queryTemplate string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(queryTemplate, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if value, exists := vars[key]; exists {
			return value
		}
		return match
	})
}

// PoolSelector returns a label matcher selecting the given pools case-insensitively.
func PoolSelector(label string, pools []string) string {
	quoted := make([]string, 0, len(pools))
	for _, p := range pools {
		// PromQL string literals need the regexp escapes escaped once more.
		quoted = append(quoted, strings.ReplaceAll(regexp.QuoteMeta(p), `\`, `\\`))
	}
	return fmt.Sprintf(`%s=~"(?i)%s"`, label, strings.Join(quoted, "|"))
}

// InitializePrometheusAPI initializes the Prometheus API client.
func InitializePrometheusAPI(endpoint, username, password string) (prometheusv1.API, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("prometheus endpoint is not provided")
	}

	cfg := api.Config{Address: endpoint}
	if username != "" {
		cfg.RoundTripper = config.NewBasicAuthRoundTripper(config.NewInlineSecret(username),
			config.NewInlineSecret(password), api.DefaultRoundTripper)
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return prometheusv1.NewAPI(client), nil
}

// classifyQueryError marks Prometheus failures that may succeed on a later attempt.
func classifyQueryError(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return err
	}
	var apiErr *prometheusv1.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case prometheusv1.ErrTimeout, prometheusv1.ErrServer, prometheusv1.ErrCanceled:
			return retry.MarkTransient(err)
		default:
			return err
		}
	}
	// Anything else failed before a response was read, e.g. a refused connection.
	return retry.MarkTransient(err)
}
