package notifx

import "github.com/quantrail/identity/pkg/errx"

var ErrRegistry = errx.NewRegistry("NOTIF")

var (
	CodeSendFailed       = ErrRegistry.Register("SEND_FAILED", errx.TypeDependency, 502, "Failed to send email")
	CodeInvalidMessage   = ErrRegistry.Register("INVALID_MESSAGE", errx.TypeValidation, 400, "Invalid email message")
	CodeTemplateNotFound = ErrRegistry.Register("TEMPLATE_NOT_FOUND", errx.TypeNotFound, 404, "Email template not found")
	CodeTemplateParse    = ErrRegistry.Register("TEMPLATE_PARSE", errx.TypeValidation, 400, "Failed to parse email template")
	CodeTemplateRender   = ErrRegistry.Register("TEMPLATE_RENDER", errx.TypeInternal, 500, "Failed to render email template")
)
