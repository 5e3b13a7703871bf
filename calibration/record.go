package calibration

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/rimage/transform"
	"go.viam.com/camcal/spatialmath"
	"go.viam.com/camcal/utils"
)

// Keys of the flat record.
const (
	KeyFx          = "fx"
	KeyFy          = "fy"
	KeyCx          = "cx"
	KeyCy          = "cy"
	KeyK1          = "k1"
	KeyK2          = "k2"
	KeyK3          = "k3"
	KeyP1          = "p1"
	KeyP2          = "p2"
	KeyImageWidth  = "image_width"
	KeyImageHeight = "image_height"
)

// reservedRecordKeys cannot be used as pass-through identifiers.
var reservedRecordKeys = map[string]struct{}{
	KeyFx: {}, KeyFy: {}, KeyCx: {}, KeyCy: {},
	KeyK1: {}, KeyK2: {}, KeyK3: {}, KeyP1: {}, KeyP2: {},
	KeyImageWidth: {}, KeyImageHeight: {},
	"rms": {}, "per_view_rms": {}, "per_view_rms_summary": {}, "iterations": {}, "converged": {},
	"accepted_views": {}, "rejected_views": {}, "extrinsics": {}, "warnings": {},
}

// principalPointSlack is how far, as a fraction of the image size, the principal point may lie
// outside the image.
const principalPointSlack = 0.25

// undistortionTolerance is the largest accepted round trip error in pixels of undistorting an image
// corner.
const undistortionTolerance = 0.01

// Fields is the flat key-value view of a calibration: intrinsics, distortion, image size and
// pass-through identifiers. It marshals to a single JSON object.
type Fields struct {
	Fx          float64
	Fy          float64
	Cx          float64
	Cy          float64
	K1          float64
	K2          float64
	K3          float64
	P1          float64
	P2          float64
	ImageWidth  int
	ImageHeight int
	PassThrough map[string]string
}

// MarshalJSON writes the fields and the pass-through strings as one flat object.
func (f Fields) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		KeyFx: f.Fx, KeyFy: f.Fy, KeyCx: f.Cx, KeyCy: f.Cy,
		KeyK1: f.K1, KeyK2: f.K2, KeyK3: f.K3, KeyP1: f.P1, KeyP2: f.P2,
		KeyImageWidth: f.ImageWidth, KeyImageHeight: f.ImageHeight,
	}
	for k, v := range f.PassThrough {
		if _, reserved := reservedRecordKeys[k]; reserved {
			return nil, errors.Errorf("pass-through key %q collides with a record field", k)
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a flat object. Unknown string values become pass-through identifiers and
// the record's quality keys are ignored.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	floats := map[string]*float64{
		KeyFx: &f.Fx, KeyFy: &f.Fy, KeyCx: &f.Cx, KeyCy: &f.Cy,
		KeyK1: &f.K1, KeyK2: &f.K2, KeyK3: &f.K3, KeyP1: &f.P1, KeyP2: &f.P2,
	}
	ints := map[string]*int{KeyImageWidth: &f.ImageWidth, KeyImageHeight: &f.ImageHeight}
	f.PassThrough = nil
	for k, v := range raw {
		if dst, ok := floats[k]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return errors.Wrapf(err, "field %q", k)
			}
			continue
		}
		if dst, ok := ints[k]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return errors.Wrapf(err, "field %q", k)
			}
			continue
		}
		if _, reserved := reservedRecordKeys[k]; reserved {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return errors.Wrapf(err, "pass-through field %q must be a string", k)
		}
		if f.PassThrough == nil {
			f.PassThrough = map[string]string{}
		}
		f.PassThrough[k] = s
	}
	for k := range floats {
		if _, ok := raw[k]; !ok {
			return errors.Errorf("missing field %q", k)
		}
	}
	return nil
}

// ViewPose is one view's extrinsics in exported form.
type ViewPose struct {
	Index       int              `json:"index"`
	Name        string           `json:"name,omitempty"`
	Rotation    spatialmath.R4AA `json:"rotation"`
	Translation r3.Vector        `json:"translation"`
}

// RMSSummary summarizes the per view RMS errors.
type RMSSummary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	Max    float64 `json:"max"`
}

// Record is the validated result of a calibration. It is never modified after NewRecord and its
// accessors return copies.
type Record struct {
	intrinsics    transform.PinholeCameraIntrinsics
	distortion    transform.BrownConrady
	rms           float64
	perViewRMS    []float64
	rmsSummary    RMSSummary
	extrinsics    []ViewPose
	iterations    int
	converged     bool
	acceptedViews int
	rejectedViews int
	passThrough   map[string]string
	warnings      []string
}

// NewRecord validates a refinement and packages it. views must be the accepted views in the order
// they were refined; rejected is the number of inputs that did not contribute.
func NewRecord(
	ref *Refinement, views []*ObservedView, rejected int, cfg Config, logger logging.Logger,
) (*Record, error) {
	intr := ref.Intrinsics
	if err := intr.CheckValid(); err != nil {
		return nil, newError(KindInvalidCalibration, StageRecord, err)
	}
	if err := ref.Distortion.CheckValid(); err != nil {
		return nil, newError(KindInvalidCalibration, StageRecord, err)
	}
	if !utils.AllFinite(intr.Fx, intr.Fy, intr.Ppx, intr.Ppy) {
		return nil, newError(KindInvalidCalibration, StageRecord, errors.New("intrinsics are not finite"))
	}
	w, h := float64(intr.Width), float64(intr.Height)
	if intr.Ppx < -principalPointSlack*w || intr.Ppx > (1+principalPointSlack)*w ||
		intr.Ppy < -principalPointSlack*h || intr.Ppy > (1+principalPointSlack)*h {
		return nil, newError(KindInvalidCalibration, StageRecord,
			errors.Errorf("principal point (%.2f, %.2f) is far outside the %dx%d image", intr.Ppx, intr.Ppy, intr.Width, intr.Height))
	}
	if len(views) != len(ref.Extrinsics) {
		return nil, newError(KindUnknown, StageRecord,
			errors.Errorf("have %d views but %d poses", len(views), len(ref.Extrinsics)))
	}

	rec := &Record{
		intrinsics:    intr,
		distortion:    ref.Distortion,
		rms:           ref.RMS,
		perViewRMS:    append([]float64(nil), ref.PerViewRMS...),
		iterations:    ref.Iterations,
		converged:     ref.Converged,
		acceptedViews: len(views),
		rejectedViews: rejected,
		passThrough:   map[string]string{},
	}
	for k, v := range cfg.PassThrough {
		rec.passThrough[k] = v
	}
	summary, err := summarizeRMS(rec.perViewRMS)
	if err != nil {
		return nil, newError(KindInvalidCalibration, StageRecord, err)
	}
	rec.rmsSummary = summary

	if cfg.IncludeExtrinsics {
		rec.extrinsics = make([]ViewPose, len(views))
		for i, v := range views {
			aa := ref.Extrinsics[i].Rotation.AxisAngles()
			rec.extrinsics[i] = ViewPose{Index: v.Index, Name: v.Name, Rotation: *aa, Translation: ref.Extrinsics[i].Translation}
		}
	}

	if !ref.Converged {
		rec.warn(logger, fmt.Sprintf("refinement did not converge: %s", ref.StopReason))
	}
	if ref.RMS > cfg.RMSWarnThreshold {
		rec.warn(logger, fmt.Sprintf("RMS reprojection error %.4f px exceeds %.4f px", ref.RMS, cfg.RMSWarnThreshold))
	}
	for i, v := range views {
		if rec.perViewRMS[i] > cfg.RMSWarnThreshold {
			rec.warn(logger, fmt.Sprintf("view %s has RMS reprojection error %.4f px", v.label(), rec.perViewRMS[i]))
		}
	}
	model := rec.Model()
	for _, corner := range []r2.Point{{X: 0, Y: 0}, {X: w - 1, Y: 0}, {X: 0, Y: h - 1}, {X: w - 1, Y: h - 1}} {
		// NaN fails the comparison too
		if res := model.UndistortionResidual(corner); !(res <= undistortionTolerance) {
			rec.warn(logger, fmt.Sprintf("distortion cannot be inverted at pixel (%.0f, %.0f), undistortion is off by %.3g px",
				corner.X, corner.Y, res))
			break
		}
	}
	return rec, nil
}

func summarizeRMS(perView []float64) (RMSSummary, error) {
	var s RMSSummary
	var err error
	if s.Mean, err = stats.Mean(perView); err != nil {
		return s, errors.Wrap(err, "per view rms")
	}
	if s.Median, err = stats.Median(perView); err != nil {
		return s, errors.Wrap(err, "per view rms")
	}
	if s.P90, err = stats.Percentile(perView, 90); err != nil {
		return s, errors.Wrap(err, "per view rms")
	}
	if s.Max, err = stats.Max(perView); err != nil {
		return s, errors.Wrap(err, "per view rms")
	}
	return s, nil
}

func (r *Record) warn(logger logging.Logger, msg string) {
	r.warnings = append(r.warnings, msg)
	logger.Warn(msg)
}

// Intrinsics returns the camera matrix parameters and image size.
func (r *Record) Intrinsics() transform.PinholeCameraIntrinsics {
	return r.intrinsics
}

// Distortion returns the lens distortion.
func (r *Record) Distortion() transform.BrownConrady {
	return r.distortion
}

// Model returns a camera model for projecting with this calibration.
func (r *Record) Model() *transform.PinholeCameraModel {
	intr, dist := r.intrinsics, r.distortion
	return &transform.PinholeCameraModel{PinholeCameraIntrinsics: &intr, Distortion: &dist}
}

// RMS is the root mean square reprojection error in pixels over every corner.
func (r *Record) RMS() float64 {
	return r.rms
}

// PerViewRMS returns the RMS reprojection error of each accepted view.
func (r *Record) PerViewRMS() []float64 {
	return append([]float64(nil), r.perViewRMS...)
}

// RMSSummary summarizes PerViewRMS.
func (r *Record) RMSSummary() RMSSummary {
	return r.rmsSummary
}

// Extrinsics returns the per view poses, or nil unless they were requested.
func (r *Record) Extrinsics() []ViewPose {
	if r.extrinsics == nil {
		return nil
	}
	return append([]ViewPose(nil), r.extrinsics...)
}

// Iterations is the number of refinement iterations.
func (r *Record) Iterations() int {
	return r.iterations
}

// Converged reports whether refinement met a convergence criterion.
func (r *Record) Converged() bool {
	return r.converged
}

// AcceptedViews is the number of views used.
func (r *Record) AcceptedViews() int {
	return r.acceptedViews
}

// RejectedViews is the number of inputs that were not used.
func (r *Record) RejectedViews() int {
	return r.rejectedViews
}

// Warnings returns the non-fatal quality warnings raised while assembling the record.
func (r *Record) Warnings() []string {
	return append([]string(nil), r.warnings...)
}

// Fields returns the flat view of the record.
func (r *Record) Fields() Fields {
	f := Fields{
		Fx:          r.intrinsics.Fx,
		Fy:          r.intrinsics.Fy,
		Cx:          r.intrinsics.Ppx,
		Cy:          r.intrinsics.Ppy,
		K1:          r.distortion.RadialK1,
		K2:          r.distortion.RadialK2,
		K3:          r.distortion.RadialK3,
		P1:          r.distortion.TangentialP1,
		P2:          r.distortion.TangentialP2,
		ImageWidth:  r.intrinsics.Width,
		ImageHeight: r.intrinsics.Height,
		PassThrough: map[string]string{},
	}
	for k, v := range r.passThrough {
		f.PassThrough[k] = v
	}
	return f
}

type recordQuality struct {
	RMS           float64    `json:"rms"`
	PerViewRMS    []float64  `json:"per_view_rms"`
	RMSSummary    RMSSummary `json:"per_view_rms_summary"`
	Iterations    int        `json:"iterations"`
	Converged     bool       `json:"converged"`
	AcceptedViews int        `json:"accepted_views"`
	RejectedViews int        `json:"rejected_views"`
	Extrinsics    []ViewPose `json:"extrinsics,omitempty"`
	Warnings      []string   `json:"warnings,omitempty"`
}

// MarshalJSON writes the flat fields together with the quality metrics in one object.
func (r *Record) MarshalJSON() ([]byte, error) {
	flat, err := json.Marshal(r.Fields())
	if err != nil {
		return nil, err
	}
	quality, err := json.Marshal(recordQuality{
		RMS:           r.rms,
		PerViewRMS:    r.perViewRMS,
		RMSSummary:    r.rmsSummary,
		Iterations:    r.iterations,
		Converged:     r.converged,
		AcceptedViews: r.acceptedViews,
		RejectedViews: r.rejectedViews,
		Extrinsics:    r.extrinsics,
		Warnings:      r.warnings,
	})
	if err != nil {
		return nil, err
	}
	merged := map[string]json.RawMessage{}
	for _, part := range [][]byte{flat, quality} {
		if err := json.Unmarshal(part, &merged); err != nil {
			return nil, err
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads a record written by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var q recordQuality
	if err := json.Unmarshal(data, &q); err != nil {
		return err
	}
	if !utils.AllFinite(f.Fx, f.Fy, f.Cx, f.Cy) || math.IsNaN(q.RMS) {
		return errors.New("record has non-finite values")
	}
	*r = Record{
		intrinsics: transform.PinholeCameraIntrinsics{
			Width: f.ImageWidth, Height: f.ImageHeight, Fx: f.Fx, Fy: f.Fy, Ppx: f.Cx, Ppy: f.Cy,
		},
		distortion: transform.BrownConrady{
			RadialK1: f.K1, RadialK2: f.K2, RadialK3: f.K3, TangentialP1: f.P1, TangentialP2: f.P2,
		},
		rms:           q.RMS,
		perViewRMS:    q.PerViewRMS,
		rmsSummary:    q.RMSSummary,
		extrinsics:    q.Extrinsics,
		iterations:    q.Iterations,
		converged:     q.Converged,
		acceptedViews: q.AcceptedViews,
		rejectedViews: q.RejectedViews,
		passThrough:   f.PassThrough,
		warnings:      q.Warnings,
	}
	if r.passThrough == nil {
		r.passThrough = map[string]string{}
	}
	return nil
}
