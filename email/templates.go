package email

import (
	"fmt"
	"html"
	"strings"
	"time"
)

func (s *Sender) formatStructuralAlert(pageURL, reason string, at time.Time) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString(".reason { background: #fdecea; border-left: 4px solid #c0392b; padding: 12px 16px; margin: 16px 0; }\n")
	b.WriteString(".footer { margin-top: 24px; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<p>The roster transactions page could not be parsed. No records were written and no notifications went out.</p>\n")
	b.WriteString(fmt.Sprintf("<div class=\"reason\">%s</div>\n", html.EscapeString(reason)))
	b.WriteString("<ul>\n")
	b.WriteString(fmt.Sprintf("<li>Page: <a href=\"%s\">%s</a></li>\n", html.EscapeString(pageURL), html.EscapeString(pageURL)))
	b.WriteString(fmt.Sprintf("<li>Detected: %s UTC</li>\n", at.UTC().Format("Jan 2, 2006 at 3:04 PM")))
	b.WriteString("</ul>\n")

	if s.baseURL != "" {
		b.WriteString(fmt.Sprintf("<div class=\"footer\"><a href=\"%s/health\">Service health</a></div>\n", html.EscapeString(s.baseURL)))
	}
	b.WriteString("</body>\n</html>")

	return b.String()
}
