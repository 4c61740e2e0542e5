package simulate

import (
	"wraith/internal/attack"
	"wraith/internal/models"
)

// Demo bundles a small simulated neighbourhood
type Demo struct {
	Scanner *Scanner
	Capture *CaptureBackend
	RogueAP *RogueAP
	Cracker *Cracker
}

// Survey returns the networks of the demo neighbourhood as two scan batches.
// The second batch adds a client to the cafe network and a new arrival.
func Survey() [][]models.RawDetection {
	first := []models.RawDetection{
		{ID: "02:00:00:00:00:01", Name: "Linksys-Home", Channel: 6, Signal: -48, Encryption: "WPA2-PSK", WPAVersion: 2,
			Clients: []string{"02:00:00:00:01:01", "02:00:00:00:01:02"}, PMKIDVulnerable: true},
		{ID: "02:00:00:00:00:02", Name: "Cafe-Guest", Channel: 1, Signal: -62, Encryption: "WPA2-PSK", WPAVersion: 2},
		{ID: "02:00:00:00:00:03", Name: "CorpNet", Channel: 11, Signal: -71, Encryption: "WPA3-SAE", WPAVersion: 3,
			DowngradePossible: true},
		{ID: "02:00:00:00:00:04", Name: "FreeWiFi", Channel: 6, Signal: -66, Encryption: "OPN"},
		{ID: "02:00:00:00:00:05", Name: "FarAway", Channel: 1, Signal: -91, Encryption: "WPA2-PSK", WPAVersion: 2},
	}

	second := append([]models.RawDetection(nil), first...)
	second[1].Clients = []string{"02:00:00:00:02:01"}
	second = append(second, models.RawDetection{
		ID: "02:00:00:00:00:06", Name: "", Channel: 11, Signal: -58, Encryption: "WPA2-PSK", WPAVersion: 2,
		Clients: []string{"02:00:00:00:06:01"},
	})

	return [][]models.RawDetection{first, second}
}

// NewDemo wires the demo neighbourhood: the home network leaks a PMKID, the
// cafe hands over a handshake once a client appears, the corporate network
// falls to the rogue portal and the hidden network resists everything.
func NewDemo(captureDir string) *Demo {
	d := &Demo{
		Scanner: NewScanner(Survey()...),
		Capture: NewCaptureBackend(captureDir),
		RogueAP: NewRogueAP(),
		Cracker: NewCracker(map[string]string{
			"02:00:00:00:00:01": "sunshine2024",
		}),
	}

	d.Capture.SetOutcome("02:00:00:00:00:01", Outcome{PMKID: true})
	d.Capture.SetOutcome("02:00:00:00:00:02", Outcome{Handshake: true})
	d.RogueAP.SetCredential("CorpNet", attack.Credential{Username: "j.doe", Password: "Winter!2024"})

	return d
}
