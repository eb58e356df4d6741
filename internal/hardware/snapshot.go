package hardware

import (
	"errors"
	"fmt"

	"microcal/pkg/geometry"
)

// Scanner metadata keys holding the calibration coefficients. Vector
// coefficients are stored per axis.
const (
	MDSpotShift            = "spot shift"
	MDSpotShiftY           = "spot shift y"
	MDHFWSlope             = "HFW slope"
	MDHFWSlopeY            = "HFW slope y"
	MDResolutionSlope      = "resolution slope"
	MDResolutionSlopeY     = "resolution slope y"
	MDResolutionIntercept  = "resolution intercept"
	MDResolutionInterceptY = "resolution intercept y"
)

// calibrationMetadataKeys is the subset of scanner metadata captured and
// restored around a calibration run.
var calibrationMetadataKeys = []string{
	MDSpotShift, MDSpotShiftY,
	MDHFWSlope, MDHFWSlopeY,
	MDResolutionSlope, MDResolutionSlopeY,
	MDResolutionIntercept, MDResolutionInterceptY,
}

// Snapshot records every mutable hardware parameter the calibration touches
// so the pipeline can restore the instrument on any exit path.
type Snapshot struct {
	camBinX, camBinY int
	camResW, camResH int
	camExposure      float64

	scanScale          geometry.Point2D
	scanResW, scanResH int
	scanTranslation    geometry.Point2D
	scanRotation       float64
	scanDwell          float64
	scanVoltage        float64
	scanSpot           float64
	scanHFW            float64

	metadata map[string]float64
}

// TakeSnapshot reads the current camera and scanner state.
func TakeSnapshot(det Detector, sc Scanner) *Snapshot {
	s := &Snapshot{metadata: make(map[string]float64)}

	s.camBinX, s.camBinY = det.Binning()
	s.camResW, s.camResH = det.Resolution()
	s.camExposure = det.ExposureTime()

	s.scanScale = sc.Scale()
	s.scanResW, s.scanResH = sc.Resolution()
	s.scanTranslation = sc.Translation()
	s.scanRotation = sc.Rotation()
	s.scanDwell = sc.DwellTime()
	s.scanVoltage = sc.AcceleratingVoltage()
	s.scanSpot = sc.SpotSize()
	s.scanHFW = sc.HorizontalFieldWidth()

	md := sc.Metadata()
	for _, key := range calibrationMetadataKeys {
		if v, ok := md[key]; ok {
			s.metadata[key] = v
		}
	}
	return s
}

// Restore applies the snapshot. The order is load-bearing: later values are
// silently clamped by earlier ones, so binning and resolution must be
// applied before exposure on the camera, and scale before resolution before
// translation on the scanner. Every setter is attempted even if a previous
// one failed; read-only rejections are not errors.
func (s *Snapshot) Restore(det Detector, sc Scanner) error {
	var errs []error
	apply := func(name string, err error) {
		if err != nil && !errors.Is(err, ErrReadOnly) {
			errs = append(errs, fmt.Errorf("restore %s: %w", name, err))
		}
	}

	apply("camera binning", det.SetBinning(s.camBinX, s.camBinY))
	apply("camera resolution", det.SetResolution(s.camResW, s.camResH))
	apply("camera exposure", det.SetExposureTime(s.camExposure))

	apply("scan scale", sc.SetScale(s.scanScale))
	apply("scan resolution", sc.SetResolution(s.scanResW, s.scanResH))
	apply("scan translation", sc.SetTranslation(s.scanTranslation))
	apply("scan rotation", sc.SetRotation(s.scanRotation))
	apply("dwell time", sc.SetDwellTime(s.scanDwell))
	apply("accelerating voltage", sc.SetAcceleratingVoltage(s.scanVoltage))
	apply("spot size", sc.SetSpotSize(s.scanSpot))
	apply("horizontal field width", sc.SetHorizontalFieldWidth(s.scanHFW))

	for _, key := range calibrationMetadataKeys {
		if v, ok := s.metadata[key]; ok {
			sc.SetMetadata(key, v)
		}
	}

	return errors.Join(errs...)
}
