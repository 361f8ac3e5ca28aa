package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func RandStringBytes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}

func randSSN() string {
	return fmt.Sprintf("%03d-%02d-%04d", rand.Intn(900)+100, rand.Intn(90)+10, rand.Intn(9000)+1000)
}

type Insurance struct {
	Carrier  string `json:"carrier"`
	MemberID string `json:"memberId"`
}

type PatientUpdate struct {
	MRN       string    `json:"mrn"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	SSN       string    `json:"ssn"`
	Insurance Insurance `json:"insurance"`
}

func NewPatientUpdate() PatientUpdate {
	return PatientUpdate{
		MRN:       "A-" + RandStringBytes(6),
		FirstName: RandStringBytes(8),
		LastName:  RandStringBytes(12),
		SSN:       randSSN(),
		Insurance: Insurance{
			Carrier:  RandStringBytes(10),
			MemberID: "MBR-" + RandStringBytes(5),
		},
	}
}

// JSON returns the serialized update. Generation never produces values json
// cannot encode.
func (p PatientUpdate) JSON() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}

	return b
}
