package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"sopdesk/pkg/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var errInvalidRequestID = errors.New("request_id must be a positive integer")

// requestID accepts both a JSON number and a numeric string.
type requestID int64

func (id *requestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return errInvalidRequestID
		}
		raw = strings.TrimSpace(unquoted)
		if raw == "" {
			*id = 0
			return nil
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return errInvalidRequestID
	}
	*id = requestID(n)
	return nil
}

type lookupRequest struct {
	EmailPrefix string `json:"email_prefix"`
}

type attachmentPayload struct {
	Filename string `json:"filename" validate:"max=1024"`
	Size     int64  `json:"size" validate:"gte=0"`
}

type submitRequest struct {
	Email               string             `json:"email" validate:"required,email,max=320"`
	Name                string             `json:"name" validate:"max=255"`
	Manager             string             `json:"manager" validate:"max=255"`
	ShortDescription    string             `json:"shortDescription"`
	DetailedDescription string             `json:"detailedDescription"`
	AuthType            string             `json:"authType" validate:"max=255"`
	FurtherAuthInfo     string             `json:"furtherAuthInfo"`
	DBAccess            string             `json:"dbAccess"`
	DBDetails           string             `json:"dbDetails"`
	Status              string             `json:"status" validate:"max=64"`
	Reason              string             `json:"reason"`
	AssignedTo          string             `json:"assigned_to" validate:"max=255"`
	AttachmentInfo      *attachmentPayload `json:"attachment_info"`
}

func (r submitRequest) toDomain() domain.SopRequest {
	req := domain.SopRequest{
		Email:               r.Email,
		Name:                r.Name,
		Manager:             r.Manager,
		ShortDescription:    r.ShortDescription,
		DetailedDescription: r.DetailedDescription,
		AuthType:            r.AuthType,
		FurtherAuthInfo:     r.FurtherAuthInfo,
		DBAccess:            r.DBAccess,
		DBDetails:           r.DBDetails,
		Status:              domain.RequestStatus(r.Status),
		Reason:              r.Reason,
		AssignedTo:          r.AssignedTo,
	}
	if r.AttachmentInfo != nil {
		req.Attachment = &domain.AttachmentInfo{
			Filename: r.AttachmentInfo.Filename,
			Size:     r.AttachmentInfo.Size,
		}
	}
	return req
}

type updateStatusRequest struct {
	RequestID requestID `json:"request_id" validate:"gt=0"`
	NewStatus string    `json:"new_status" validate:"required,max=64"`
	Reason    string    `json:"reason" validate:"required"`
}

type updateAssignmentRequest struct {
	RequestID  requestID `json:"request_id" validate:"gt=0"`
	AssignedTo string    `json:"assigned_to" validate:"required,max=255"`
}

type submitResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RequestID int64  `json:"request_id"`
	CreatedAt string `json:"created_at"`
	EmailSent bool   `json:"email_sent"`
}

type updateStatusResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	LastUpdated string `json:"last_updated"`
	CompletedOn string `json:"completed_on,omitempty"`
}

type updateAssignmentResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	LastUpdated string `json:"last_updated"`
}

// historyRow is one line of the history view.
type historyRow struct {
	ID               int64   `json:"id"`
	Email            string  `json:"email"`
	Name             string  `json:"name"`
	Manager          string  `json:"manager"`
	ShortDescription string  `json:"short_description"`
	AuthType         string  `json:"auth_type"`
	DBAccess         string  `json:"db_access"`
	CreatedAt        string  `json:"created_at"`
	LastUpdated      string  `json:"last_updated"`
	CompletedOn      *string `json:"completed_on"`
	Status           string  `json:"status"`
	Reason           string  `json:"reason"`
	AssignedTo       string  `json:"assigned_to"`
}

func historyFromDomain(req domain.SopRequest) historyRow {
	row := historyRow{
		ID:               req.ID,
		Email:            req.Email,
		Name:             req.Name,
		Manager:          req.Manager,
		ShortDescription: req.ShortDescription,
		AuthType:         req.AuthType,
		DBAccess:         req.DBAccess,
		CreatedAt:        formatHistory(req.CreatedAt),
		LastUpdated:      formatHistory(req.LastUpdated),
		Status:           string(req.Status),
		Reason:           req.Reason,
		AssignedTo:       req.AssignedTo,
	}
	if req.CompletedOn != nil {
		completed := formatHistory(*req.CompletedOn)
		row.CompletedOn = &completed
	}
	return row
}

func formatHistory(t time.Time) string {
	return t.UTC().Format(domain.TimeFormatHistory)
}

func formatISO(t time.Time) string {
	return t.UTC().Format(domain.TimeFormatISO)
}

func decodeJSON(data []byte, dst any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(data, dst)
}
