package athena

import "time"

// PatientDemographics is the form payload for patient creation. Fields map
// one-to-one to the scheduling API's form keys; empty fields are omitted.
type PatientDemographics struct {
	FirstName    string
	LastName     string
	DOB          string // MM/DD/YYYY
	MobilePhone  string // ten digits
	Email        string
	Sex          string // M or F
	Address1     string
	City         string
	State        string // two-letter code
	Zip          string
	DepartmentID string
}

// BookingRequest fills an open appointment slot for an existing patient.
type BookingRequest struct {
	PatientID         string
	AppointmentTypeID string
}

// OpenAppointment is one bookable slot returned by the open-appointment search.
type OpenAppointment struct {
	AppointmentID     string `json:"appointmentid"`
	Date              string `json:"date"`      // MM/DD/YYYY
	StartTime         string `json:"starttime"` // HH:MM, practice-local
	AppointmentTypeID string `json:"appointmenttypeid"`
	DepartmentID      string `json:"departmentid"`
	ProviderID        string `json:"providerid"`
	Duration          int    `json:"duration"`
}

// SlotQuery narrows the open-appointment search. StartDate defaults to today
// and the window is capped at seven days.
type SlotQuery struct {
	DepartmentID      string
	AppointmentTypeID string
	ProviderID        string
	StartDate         time.Time
	EndDate           time.Time
}
