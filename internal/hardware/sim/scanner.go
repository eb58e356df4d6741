package sim

import (
	"sync"

	"microcal/internal/hardware"
	"microcal/pkg/geometry"
)

// ScannerSim models the e-beam scan controller. As on the real column,
// the scan translation is silently clamped by the current scale and
// resolution, which is why restore order matters.
type ScannerSim struct {
	mu          sync.Mutex
	resW, resH  int
	scale       geometry.Point2D
	translation geometry.Point2D
	rotation    float64
	dwell       float64
	voltage     float64
	spot        float64
	hfw         float64
	rotationRO  bool
	metadata    map[string]float64
}

// NewScanner creates a scanner with sane SEM defaults.
func NewScanner() *ScannerSim {
	return &ScannerSim{
		resW: 512, resH: 512,
		scale:    geometry.Point2D{X: 1, Y: 1},
		dwell:    1e-6,
		voltage:  5e3,
		spot:     2.7,
		hfw:      1e-3,
		metadata: make(map[string]float64),
	}
}

// SetRotationReadOnly makes the rotation property reject writes, as on
// columns without a scan rotation module.
func (s *ScannerSim) SetRotationReadOnly(ro bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotationRO = ro
}

func (s *ScannerSim) Resolution() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resW, s.resH
}

func (s *ScannerSim) SetResolution(w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resW, s.resH = w, h
	s.clampTranslation()
	return nil
}

func (s *ScannerSim) Scale() geometry.Point2D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scale
}

func (s *ScannerSim) SetScale(v geometry.Point2D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scale = v
	s.clampTranslation()
	return nil
}

func (s *ScannerSim) Translation() geometry.Point2D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.translation
}

func (s *ScannerSim) SetTranslation(v geometry.Point2D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translation = v
	s.clampTranslation()
	return nil
}

// clampTranslation limits the translation to the margin left by the
// current scale: a full-field scan cannot be shifted at all.
func (s *ScannerSim) clampTranslation() {
	marginX := (1 - s.scale.X) * float64(s.resW) / 2
	marginY := (1 - s.scale.Y) * float64(s.resH) / 2
	if marginX < 0 {
		marginX = 0
	}
	if marginY < 0 {
		marginY = 0
	}
	s.translation.X = clamp(s.translation.X, -marginX, marginX)
	s.translation.Y = clamp(s.translation.Y, -marginY, marginY)
}

func (s *ScannerSim) Rotation() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotation
}

func (s *ScannerSim) SetRotation(rad float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rotationRO {
		return hardware.ErrReadOnly
	}
	s.rotation = rad
	return nil
}

func (s *ScannerSim) DwellTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dwell
}

func (s *ScannerSim) SetDwellTime(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dwell = v
	return nil
}

func (s *ScannerSim) AcceleratingVoltage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltage
}

func (s *ScannerSim) SetAcceleratingVoltage(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voltage = v
	return nil
}

func (s *ScannerSim) SpotSize() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spot
}

func (s *ScannerSim) SetSpotSize(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spot = v
	return nil
}

func (s *ScannerSim) HorizontalFieldWidth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hfw
}

func (s *ScannerSim) SetHorizontalFieldWidth(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hfw = v
	return nil
}

func (s *ScannerSim) Metadata() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *ScannerSim) SetMetadata(key string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}
