package store

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
	"sopdesk/pkg/domain"
)

// SopRequestModel maps the sop_requests table.
type SopRequestModel struct {
	ID                  int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Email               string         `gorm:"column:email"`
	Name                string         `gorm:"column:name"`
	Manager             string         `gorm:"column:manager"`
	ShortDescription    string         `gorm:"column:short_description"`
	AuthType            string         `gorm:"column:auth_type"`
	FurtherAuthInfo     string         `gorm:"column:further_auth_info"`
	DetailedDescription string         `gorm:"column:detailed_description"`
	DBAccess            string         `gorm:"column:db_access"`
	DBDetails           string         `gorm:"column:db_details"`
	AttachmentInfo      datatypes.JSON `gorm:"column:attachment_info;type:text"`
	CreatedAt           time.Time      `gorm:"column:created_at;not null;index"`
	LastUpdated         time.Time      `gorm:"column:last_updated;not null"`
	CompletedOn         *time.Time     `gorm:"column:completed_on"`
	Status              string         `gorm:"column:status;not null;default:Submitted"`
	Reason              string         `gorm:"column:reason"`
	AssignedTo          string         `gorm:"column:assigned_to;not null;default:Unassigned"`
}

// TableName pins the legacy table name.
func (SopRequestModel) TableName() string { return "sop_requests" }

// EmployeeModel maps the roster table. It is never migrated by this service.
type EmployeeModel struct {
	Email       string `gorm:"column:u_email"`
	Name        string `gorm:"column:name"`
	ManagerName string `gorm:"column:dv_manager"`
}

func requestToModel(r domain.SopRequest) (SopRequestModel, error) {
	var attachment datatypes.JSON
	if r.Attachment != nil {
		raw, err := json.Marshal(r.Attachment)
		if err != nil {
			return SopRequestModel{}, err
		}
		attachment = raw
	}
	return SopRequestModel{
		ID:                  r.ID,
		Email:               r.Email,
		Name:                r.Name,
		Manager:             r.Manager,
		ShortDescription:    r.ShortDescription,
		AuthType:            r.AuthType,
		FurtherAuthInfo:     r.FurtherAuthInfo,
		DetailedDescription: r.DetailedDescription,
		DBAccess:            r.DBAccess,
		DBDetails:           r.DBDetails,
		AttachmentInfo:      attachment,
		CreatedAt:           r.CreatedAt,
		LastUpdated:         r.LastUpdated,
		CompletedOn:         r.CompletedOn,
		Status:              string(r.Status),
		Reason:              r.Reason,
		AssignedTo:          r.AssignedTo,
	}, nil
}

func requestFromModel(m SopRequestModel) domain.SopRequest {
	return domain.SopRequest{
		ID:                  m.ID,
		Email:               m.Email,
		Name:                m.Name,
		Manager:             m.Manager,
		ShortDescription:    m.ShortDescription,
		AuthType:            m.AuthType,
		FurtherAuthInfo:     m.FurtherAuthInfo,
		DetailedDescription: m.DetailedDescription,
		DBAccess:            m.DBAccess,
		DBDetails:           m.DBDetails,
		Attachment:          attachmentFromJSON(m.AttachmentInfo),
		CreatedAt:           m.CreatedAt.UTC(),
		LastUpdated:         m.LastUpdated.UTC(),
		CompletedOn:         utcPtr(m.CompletedOn),
		Status:              domain.RequestStatus(m.Status),
		Reason:              m.Reason,
		AssignedTo:          m.AssignedTo,
	}
}

// attachmentFromJSON tolerates legacy rows holding "null" or malformed text.
func attachmentFromJSON(raw datatypes.JSON) *domain.AttachmentInfo {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return nil
	}
	var info domain.AttachmentInfo
	if err := json.Unmarshal([]byte(text), &info); err != nil {
		return nil
	}
	return &info
}

func employeeFromModel(m EmployeeModel) domain.Employee {
	return domain.Employee{
		Email:       m.Email,
		Name:        m.Name,
		ManagerName: m.ManagerName,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
