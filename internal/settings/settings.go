// Package settings turns the stored per-location settings document into the
// canonical models.LocationConfig. Two shapes exist in stored data: the legacy
// flat one (autoCallerEnabled, maxServing) and the nested autoCaller block.
// Nested fields win; a flat field is only consulted when its nested
// counterpart is absent.
package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/pkg/errors"

	"qms/walkin-service/internal/models"
)

const (
	DefaultMaxServing       = 1
	MaxWaitMinutesPerPerson = 120
	MaxServingLimit         = math.MaxInt32
)

type rawSettings struct {
	AutoCallerEnabled         *bool          `json:"autoCallerEnabled"`
	MaxServing                *float64       `json:"maxServing"`
	WaitMinutesPerPerson      *float64       `json:"waitMinutesPerPerson"`
	WaitMinutesPerPersonSnake *float64       `json:"wait_minutes_per_person"`
	AutoCaller                *rawAutoCaller `json:"autoCaller"`
	NotificationTemplate      *rawTemplates  `json:"notificationTemplate"`
	NotificationTemplateSnake *rawTemplates  `json:"notification_template"`
}

type rawAutoCaller struct {
	Enabled              *bool    `json:"enabled"`
	MaxServing           *float64 `json:"maxServing"`
	WaitMinutesPerPerson *float64 `json:"waitMinutesPerPerson"`
}

type rawTemplates struct {
	Near  *rawTemplate `json:"near"`
	Ready *rawTemplate `json:"ready"`
}

// rawTemplate accepts either a bare string (the body) or {title, body}.
type rawTemplate struct {
	Title string
	Body  string
}

func (t *rawTemplate) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &t.Body)
	}
	var obj struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Title = obj.Title
	t.Body = obj.Body
	return nil
}

// Normalize parses a stored settings document. An empty document yields the
// defaults: disabled, one serving slot, no wait estimate, built-in templates.
func Normalize(raw []byte) (models.LocationConfig, error) {
	cfg := models.LocationConfig{MaxServing: DefaultMaxServing}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	var doc rawSettings
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.LocationConfig{}, errors.Wrap(err, "decode location settings")
	}

	var nested rawAutoCaller
	if doc.AutoCaller != nil {
		nested = *doc.AutoCaller
	}

	if enabled := firstBool(nested.Enabled, doc.AutoCallerEnabled); enabled != nil {
		cfg.Enabled = *enabled
	}
	if maxServing := firstFloat(nested.MaxServing, doc.MaxServing); maxServing != nil {
		cfg.MaxServing = normalizeMaxServing(*maxServing)
	}
	if minutes := firstFloat(nested.WaitMinutesPerPerson, doc.WaitMinutesPerPerson, doc.WaitMinutesPerPersonSnake); minutes != nil {
		cfg.WaitMinutesPerPerson = normalizeWaitMinutes(*minutes)
	}

	templates := doc.NotificationTemplate
	if templates == nil {
		templates = doc.NotificationTemplateSnake
	}
	if templates != nil {
		cfg.Templates.Near = toTemplate(templates.Near)
		cfg.Templates.Ready = toTemplate(templates.Ready)
	}
	return cfg, nil
}

func normalizeMaxServing(value float64) int {
	if math.IsNaN(value) || value < 1 {
		return DefaultMaxServing
	}
	if value >= MaxServingLimit {
		return MaxServingLimit
	}
	return int(math.Floor(value))
}

func normalizeWaitMinutes(value float64) int {
	if math.IsNaN(value) || value <= 0 {
		return 0
	}
	minutes := int(math.Floor(value))
	if minutes < 1 {
		return 0
	}
	if minutes > MaxWaitMinutesPerPerson {
		return MaxWaitMinutesPerPerson
	}
	return minutes
}

func toTemplate(raw *rawTemplate) models.Template {
	if raw == nil {
		return models.Template{}
	}
	return models.Template{
		Title: strings.TrimSpace(raw.Title),
		Body:  strings.TrimSpace(raw.Body),
	}
}

func firstBool(values ...*bool) *bool {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstFloat(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
