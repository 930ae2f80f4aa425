package openemr

import (
	"strings"

	"github.com/veridianhealth/scheduling-engine/internal/schedule"
)

// emrAppointment is the pc_* payload OpenEMR's legacy appointment
// endpoint expects. Durations are in seconds.
type emrAppointment struct {
	PatientID   string `json:"pc_pid"`
	ProviderID  string `json:"pc_aid"`
	EventDate   string `json:"pc_eventDate"`
	StartTime   string `json:"pc_startTime"`
	EndTime     string `json:"pc_endTime"`
	Duration    int    `json:"pc_duration"`
	CategoryID  string `json:"pc_catid"`
	Title       string `json:"pc_title"`
	Description string `json:"pc_hometext"`
	Status      string `json:"pc_apptstatus"`
	FacilityID  string `json:"pc_facility"`
}

// appointmentCategories maps engine appointment types onto OpenEMR
// calendar category ids. Unknown types fall back to follow-up.
var appointmentCategories = map[string]string{
	"new_patient":  "5",
	"follow_up":    "9",
	"routine":      "10",
	"urgent":       "11",
	"physical":     "12",
	"consultation": "13",
	"procedure":    "14",
	"lab":          "15",
	"imaging":      "16",
	"vaccination":  "17",
	"telehealth":   "18",
}

const defaultCategoryID = "9"

func mapToEMRFormat(req schedule.CreateBookingRequest) emrAppointment {
	title := req.Reason
	if title == "" {
		title = "Appointment"
	}
	facility := req.FacilityID
	if facility == "" {
		facility = "1"
	}

	return emrAppointment{
		PatientID:   req.PatientID,
		ProviderID:  req.ProviderID,
		EventDate:   req.Start.Format("2006-01-02"),
		StartTime:   req.Start.Format("15:04:05"),
		EndTime:     req.End.Format("15:04:05"),
		Duration:    req.DurationMinutes * 60,
		CategoryID:  categoryID(req.AppointmentType),
		Title:       title,
		Description: req.Notes,
		Status:      "scheduled",
		FacilityID:  facility,
	}
}

func categoryID(appointmentType string) string {
	if id, ok := appointmentCategories[strings.ToLower(appointmentType)]; ok {
		return id
	}
	return defaultCategoryID
}

// fhirBundle is the slice of the FHIR R4 search bundle the engine reads.
type fhirBundle struct {
	ResourceType string      `json:"resourceType"`
	Entry        []fhirEntry `json:"entry"`
}

type fhirEntry struct {
	Resource fhirSlot `json:"resource"`
}

type fhirSlot struct {
	ResourceType  string `json:"resourceType"`
	ID            string `json:"id"`
	Status        string `json:"status"` // "free", "busy", "busy-unavailable", ...
	Start         string `json:"start"`
	End           string `json:"end"`
	AppointmentID string `json:"appointmentId,omitempty"`
}
