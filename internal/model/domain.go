package model

import "strconv"

// Plant is the UI-facing shape of a plant record.
type Plant struct {
	LocalID        int64
	RemoteID       int64
	CommonName     string
	ScientificName string
	Habitat        string
	Origin         string
	Description    string
	CreatedBy      int64
	Image          string
	SyncState      SyncState
	Rejected       string
}

// PlantFromRecord maps a stored record to a [Plant].
func PlantFromRecord(r *Record) Plant {
	return Plant{
		LocalID:        r.LocalID,
		RemoteID:       r.RemoteID,
		CommonName:     r.Field("common_name"),
		ScientificName: r.Field("scientific_name"),
		Habitat:        r.Field("habitat"),
		Origin:         r.Field("origin"),
		Description:    r.Field("description"),
		CreatedBy:      parseID(r.Field("created_by")),
		Image:          r.MediaRef,
		SyncState:      r.SyncState,
		Rejected:       r.Rejected,
	}
}

// Fields returns the editable field map for the plant.
func (p Plant) Fields() map[string]string {
	return compact(map[string]string{
		"common_name":     p.CommonName,
		"scientific_name": p.ScientificName,
		"habitat":         p.Habitat,
		"origin":          p.Origin,
		"description":     p.Description,
	})
}

// Observation is the UI-facing shape of a field observation.
type Observation struct {
	LocalID  int64
	RemoteID int64

	// RelatedPlantID is the remote id of the observed plant, 0 if none.
	RelatedPlantID int64

	Date      string
	Time      string
	Location  string
	Note      string
	CreatedBy int64
	Image     string
	SyncState SyncState
	Rejected  string
}

// ObservationFromRecord maps a stored record to an [Observation].
func ObservationFromRecord(r *Record) Observation {
	return Observation{
		LocalID:        r.LocalID,
		RemoteID:       r.RemoteID,
		RelatedPlantID: parseID(r.Field("related_plant_id")),
		Date:           r.Field("date"),
		Time:           r.Field("time"),
		Location:       r.Field("location"),
		Note:           r.Field("note"),
		CreatedBy:      parseID(r.Field("created_by")),
		Image:          r.MediaRef,
		SyncState:      r.SyncState,
		Rejected:       r.Rejected,
	}
}

// Fields returns the editable field map for the observation.
func (o Observation) Fields() map[string]string {
	m := map[string]string{
		"date":     o.Date,
		"time":     o.Time,
		"location": o.Location,
		"note":     o.Note,
	}
	if o.RelatedPlantID != 0 {
		m["related_plant_id"] = strconv.FormatInt(o.RelatedPlantID, 10)
	}
	return compact(m)
}

// UserProfile is the UI-facing shape of the signed-in user's profile.
type UserProfile struct {
	LocalID     int64
	RemoteID    int64
	FirstName   string
	LastName    string
	Birthdate   string
	Gender      string
	Email       string
	PhoneNumber string
	Image       string
	SyncState   SyncState
	Rejected    string
}

// UserProfileFromRecord maps a stored record to a [UserProfile].
func UserProfileFromRecord(r *Record) UserProfile {
	return UserProfile{
		LocalID:     r.LocalID,
		RemoteID:    r.RemoteID,
		FirstName:   r.Field("first_name"),
		LastName:    r.Field("last_name"),
		Birthdate:   r.Field("birthdate"),
		Gender:      r.Field("gender"),
		Email:       r.Field("email"),
		PhoneNumber: r.Field("phone_number"),
		Image:       r.MediaRef,
		SyncState:   r.SyncState,
		Rejected:    r.Rejected,
	}
}

// Fields returns the editable field map for the profile. Email is read-only
// and therefore not included.
func (u UserProfile) Fields() map[string]string {
	return compact(map[string]string{
		"first_name":   u.FirstName,
		"last_name":    u.LastName,
		"birthdate":    u.Birthdate,
		"gender":       u.Gender,
		"phone_number": u.PhoneNumber,
	})
}

// DisplayName joins first and last name, falling back to the email.
func (u UserProfile) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	default:
		return u.Email
	}
}

// compact drops empty values so absent fields stay absent.
func compact(m map[string]string) map[string]string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}

func parseID(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
