package queue

import (
	"regexp"
	"strconv"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/notify"
)

const (
	defaultNearTitle  = "Almost your turn"
	defaultNearBody   = "{{n}} more ahead of you."
	defaultReadyTitle = "It's your turn"
	defaultReadyBody  = "Please give your name at the reception."
	recallSuffix      = " (reminder)"
)

var placeholder = regexp.MustCompile(`{{\s*([a-zA-Z0-9_]+)\s*}}`)

// Render substitutes {{ key }} placeholders. Unknown keys render empty.
func Render(tpl string, vars map[string]string) string {
	if tpl == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(tpl, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		return vars[key]
	})
}

func nearPayload(cfg models.LocationConfig, customer models.Customer, remaining int) notify.Payload {
	vars := map[string]string{
		"n":    strconv.Itoa(remaining),
		"name": customer.Name,
	}
	if cfg.WaitMinutesPerPerson > 0 {
		vars["minutes"] = strconv.Itoa(remaining * cfg.WaitMinutesPerPerson)
	}
	return notify.Payload{
		Type:  "near",
		Title: Render(orDefault(cfg.Templates.Near.Title, defaultNearTitle), vars),
		Body:  Render(orDefault(cfg.Templates.Near.Body, defaultNearBody), vars),
	}
}

func readyPayload(cfg models.LocationConfig, customer models.Customer) notify.Payload {
	vars := map[string]string{
		"n":       "0",
		"minutes": "0",
		"name":    customer.Name,
	}
	return notify.Payload{
		Type:  "ready",
		Title: Render(orDefault(cfg.Templates.Ready.Title, defaultReadyTitle), vars),
		Body:  Render(orDefault(cfg.Templates.Ready.Body, defaultReadyBody), vars),
	}
}

// RecallPayload repeats the ready notice for a customer staff are calling again.
func RecallPayload(cfg models.LocationConfig, customer models.Customer) notify.Payload {
	payload := readyPayload(cfg, customer)
	payload.Type = "recall"
	payload.Title += recallSuffix
	return payload
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
