package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// message is the request body accepted by the message API.
type message struct {
	From    address   `json:"from"`
	To      []address `json:"to"`
	Cc      []address `json:"cc,omitempty"`
	Subject string    `json:"subject"`
	HTML    string    `json:"html"`
	Text    string    `json:"text"`
}

type messageView struct {
	RequestID           int64
	Name                string
	Email               string
	Manager             string
	ShortDescription    string
	DetailedDescription string
	AuthType            string
	FurtherAuthInfo     string
	DBAccess            string
	DBDetails           string
	Attachment          string
	Status              string
	AssignedTo          string
	SubmittedAt         string
}

// Rows lists the request snapshot in display order.
func (v messageView) Rows() [][2]string {
	return [][2]string{
		{"Request ID", fmt.Sprintf("%d", v.RequestID)},
		{"Name", v.Name},
		{"Email", v.Email},
		{"Manager", v.Manager},
		{"Short description", v.ShortDescription},
		{"Detailed description", v.DetailedDescription},
		{"Authorization type", v.AuthType},
		{"Further authorization info", v.FurtherAuthInfo},
		{"Database access", v.DBAccess},
		{"Database details", v.DBDetails},
		{"Attachment", v.Attachment},
		{"Status", v.Status},
		{"Assigned to", v.AssignedTo},
		{"Submitted at (UTC)", v.SubmittedAt},
	}
}

var htmlTemplate = template.Must(template.New("sop").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Hello {{.Name}},</p>
<p>Your SOP request has been received and is now tracked as request #{{.RequestID}}.</p>
<table cellpadding="4" cellspacing="0" border="1">
{{range .Rows}}<tr><th align="left">{{index . 0}}</th><td>{{index . 1}}</td></tr>
{{end}}</table>
<p>You will be contacted once the request has been reviewed.</p>
</body>
</html>
`))

func renderHTML(v messageView) (string, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}
	return buf.String(), nil
}

func renderText(v messageView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", v.Name)
	fmt.Fprintf(&b, "Your SOP request has been received and is now tracked as request #%d.\n\n", v.RequestID)
	for _, row := range v.Rows() {
		fmt.Fprintf(&b, "%s: %s\n", row[0], row[1])
	}
	return b.String()
}

func subjectFor(v messageView) string {
	summary := strings.TrimSpace(v.ShortDescription)
	if summary == "" {
		return fmt.Sprintf("SOP request #%d received", v.RequestID)
	}
	return fmt.Sprintf("SOP request #%d received: %s", v.RequestID, summary)
}
