package handlers

import (
	"studio/internal/domain"
	"studio/internal/middleware"
)

// cancelledMessages localizes the messages stored on cancelled attempts.
var cancelledMessages = map[string]map[string]string{
	middleware.LocaleID: {
		domain.MessageStopped:    "Pembuatan dihentikan",
		domain.MessageTimedOut:   "Waktu pembuatan habis",
		domain.MessageSuperseded: "Pembuatan digantikan oleh permintaan yang lebih baru",
	},
}

// displayMessage returns the user-facing text of a failure in locale. Only
// cancellation messages are translated; remote errors are shown verbatim.
func displayMessage(e domain.Entity, locale string) string {
	if e.FailureKind != domain.FailureCancelled {
		return e.LastError
	}
	if msg, ok := cancelledMessages[locale][e.LastError]; ok {
		return msg
	}
	return e.LastError
}
