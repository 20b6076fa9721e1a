package server

import (
	"strconv"
	"strings"
)

type messageKey string

const (
	msgInvalidRequest      messageKey = "invalid_request"
	msgBodyRequired        messageKey = "body_required"
	msgSingleObject        messageKey = "single_object"
	msgMissingUser         messageKey = "missing_user"
	msgUnknownModel        messageKey = "unknown_model"
	msgUnknownOperation    messageKey = "unknown_operation"
	msgInsufficientCredits messageKey = "insufficient_credits"
	msgLedgerUnavailable   messageKey = "ledger_unavailable"
	msgRateLimited         messageKey = "rate_limited"
	msgServiceUnavailable  messageKey = "service_unavailable"
	msgUpstreamError       messageKey = "upstream_error"
	msgInvalidJSONOutput   messageKey = "invalid_json_output"
	msgConfiguration       messageKey = "configuration_error"
	msgNotFound            messageKey = "not_found"
	msgInternal            messageKey = "internal_error"
)

const defaultLanguage = "en"

var catalog = map[string]map[messageKey]string{
	"en": {
		msgInvalidRequest:      "invalid request",
		msgBodyRequired:        "request body is required",
		msgSingleObject:        "request body must contain a single JSON object",
		msgMissingUser:         "authentication required",
		msgUnknownModel:        "the requested model is not available",
		msgUnknownOperation:    "unknown operation",
		msgInsufficientCredits: "not enough credits for this operation",
		msgLedgerUnavailable:   "credit service is temporarily unavailable, please try again shortly",
		msgRateLimited:         "too many requests to the AI service, please retry later",
		msgServiceUnavailable:  "the AI service is temporarily unavailable, please try again shortly",
		msgUpstreamError:       "the AI service could not process this request",
		msgInvalidJSONOutput:   "the AI service did not return valid JSON",
		msgConfiguration:       "the AI service is not configured correctly",
		msgNotFound:            "not found",
		msgInternal:            "internal server error",
	},
	"es": {
		msgInvalidRequest:      "solicitud no válida",
		msgBodyRequired:        "el cuerpo de la solicitud es obligatorio",
		msgSingleObject:        "el cuerpo de la solicitud debe contener un único objeto JSON",
		msgMissingUser:         "se requiere autenticación",
		msgUnknownModel:        "el modelo solicitado no está disponible",
		msgUnknownOperation:    "operación desconocida",
		msgInsufficientCredits: "no tienes créditos suficientes para esta operación",
		msgLedgerUnavailable:   "el servicio de créditos no está disponible temporalmente, inténtalo de nuevo en breve",
		msgRateLimited:         "demasiadas solicitudes al servicio de IA, inténtalo más tarde",
		msgServiceUnavailable:  "el servicio de IA no está disponible temporalmente, inténtalo de nuevo en breve",
		msgUpstreamError:       "el servicio de IA no pudo procesar esta solicitud",
		msgInvalidJSONOutput:   "el servicio de IA no devolvió un JSON válido",
		msgConfiguration:       "el servicio de IA no está configurado correctamente",
		msgNotFound:            "no encontrado",
		msgInternal:            "error interno del servidor",
	},
	"de": {
		msgInvalidRequest:      "ungültige Anfrage",
		msgBodyRequired:        "ein Anfrage-Body ist erforderlich",
		msgSingleObject:        "der Anfrage-Body muss genau ein JSON-Objekt enthalten",
		msgMissingUser:         "Authentifizierung erforderlich",
		msgUnknownModel:        "das angeforderte Modell ist nicht verfügbar",
		msgUnknownOperation:    "unbekannter Vorgang",
		msgInsufficientCredits: "nicht genügend Credits für diesen Vorgang",
		msgLedgerUnavailable:   "der Credit-Dienst ist vorübergehend nicht erreichbar, bitte versuche es gleich noch einmal",
		msgRateLimited:         "zu viele Anfragen an den KI-Dienst, bitte später erneut versuchen",
		msgServiceUnavailable:  "der KI-Dienst ist vorübergehend nicht verfügbar, bitte versuche es gleich noch einmal",
		msgUpstreamError:       "der KI-Dienst konnte diese Anfrage nicht verarbeiten",
		msgInvalidJSONOutput:   "der KI-Dienst hat kein gültiges JSON geliefert",
		msgConfiguration:       "der KI-Dienst ist nicht korrekt konfiguriert",
		msgNotFound:            "nicht gefunden",
		msgInternal:            "interner Serverfehler",
	},
}

func localize(lang string, key messageKey) string {
	if msgs, ok := catalog[lang]; ok {
		if msg, ok := msgs[key]; ok {
			return msg
		}
	}
	if msg, ok := catalog[defaultLanguage][key]; ok {
		return msg
	}
	return string(key)
}

// preferredLanguage picks the supported language with the highest q-value
// from an Accept-Language header.
func preferredLanguage(header string) string {
	best := defaultLanguage
	bestQ := -1.0
	for _, item := range strings.Split(header, ",") {
		tag, params, _ := strings.Cut(strings.TrimSpace(item), ";")
		base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(tag)), "-")
		if _, ok := catalog[base]; !ok {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			q = parsed
		}
		if q > bestQ {
			best, bestQ = base, q
		}
	}
	return best
}
