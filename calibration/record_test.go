package calibration

import (
	"encoding/json"
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/rimage/transform"
	"go.viam.com/camcal/spatialmath"
)

func testRefinement() *Refinement {
	poses := make([]Extrinsics, 3)
	for i := range poses {
		poses[i] = Extrinsics{
			Rotation:    spatialmath.R3ToRotationMatrix(r3.Vector{X: 0.1 * float64(i+1), Y: -0.07, Z: 0.02}),
			Translation: r3.Vector{X: -90.125, Y: -60.5 + float64(i), Z: 500.0 / 3},
		}
	}
	return &Refinement{
		Intrinsics: transform.PinholeCameraIntrinsics{
			Width: 640, Height: 480, Fx: 800.0000000001, Fy: 799.9999999999, Ppx: 320.1234567890123, Ppy: 239.98765432109876,
		},
		Distortion: transform.BrownConrady{
			RadialK1: -0.1000000000000001, RadialK2: 0.01, RadialK3: 1e-17, TangentialP1: math.Nextafter(0, 1), TangentialP2: -3.3e-5,
		},
		Extrinsics: poses,
		Cost:       1.2,
		RMS:        0.1 / 3,
		PerViewRMS: []float64{0.03, 0.035, 1.0 / 27},
		Iterations: 9,
		Converged:  true,
		StopReason: StopCostTolerance,
	}
}

func testViews(n int) []*ObservedView {
	views := make([]*ObservedView, n)
	for i := range views {
		views[i] = NewObservedView(i*2, "", []r2.Point{{X: 1, Y: 2}}, image.Pt(640, 480))
	}
	views[1].Name = "left_0003.png"
	return views
}

func TestNewRecord(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	cfg := DefaultConfig()
	cfg.IncludeExtrinsics = true
	rec, err := NewRecord(testRefinement(), testViews(3), 2, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Warnings(), test.ShouldBeEmpty)
	test.That(t, logs.FilterLevelExact(logging.WARN.AsZap()).Len(), test.ShouldEqual, 0)

	f := rec.Fields()
	test.That(t, f.Fx, test.ShouldEqual, 800.0000000001)
	test.That(t, f.Cy, test.ShouldEqual, 239.98765432109876)
	test.That(t, f.K1, test.ShouldEqual, -0.1000000000000001)
	test.That(t, f.P2, test.ShouldEqual, -3.3e-5)
	test.That(t, f.ImageWidth, test.ShouldEqual, 640)
	test.That(t, f.ImageHeight, test.ShouldEqual, 480)
	test.That(t, f.PassThrough, test.ShouldResemble, map[string]string{ImageTopicKey: "/image_raw", PoseTopicKey: "/pose"})

	test.That(t, rec.AcceptedViews(), test.ShouldEqual, 3)
	test.That(t, rec.RejectedViews(), test.ShouldEqual, 2)
	test.That(t, rec.Iterations(), test.ShouldEqual, 9)
	test.That(t, rec.Converged(), test.ShouldBeTrue)
	test.That(t, rec.RMS(), test.ShouldEqual, 0.1/3)
	test.That(t, rec.RMSSummary().Max, test.ShouldEqual, 1.0/27)
	test.That(t, rec.RMSSummary().Median, test.ShouldEqual, 0.035)

	poses := rec.Extrinsics()
	test.That(t, poses, test.ShouldHaveLength, 3)
	test.That(t, poses[1].Index, test.ShouldEqual, 2)
	test.That(t, poses[1].Name, test.ShouldEqual, "left_0003.png")
	back := poses[2].Rotation.RotationMatrix().Values()
	want := testRefinement().Extrinsics[2].Rotation.Values()
	for i := range back {
		test.That(t, back[i], test.ShouldAlmostEqual, want[i], 1e-12)
	}

	// accessors hand out copies
	rec.PerViewRMS()[0] = 99
	test.That(t, rec.PerViewRMS()[0], test.ShouldEqual, 0.03)
	rec.Fields().PassThrough[ImageTopicKey] = "changed"
	test.That(t, rec.Fields().PassThrough[ImageTopicKey], test.ShouldEqual, "/image_raw")

	model := rec.Model()
	px, err := model.Project(r3.Vector{Z: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, px.X, test.ShouldEqual, 320.1234567890123)

	cfg.IncludeExtrinsics = false
	rec, err = NewRecord(testRefinement(), testViews(3), 0, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Extrinsics(), test.ShouldBeNil)
}

func TestNewRecordWarnings(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	ref := testRefinement()
	ref.RMS = 1.5
	ref.PerViewRMS = []float64{0.5, 2.5, 0.7}
	ref.Converged = false
	ref.StopReason = StopMaxIterations
	rec, err := NewRecord(ref, testViews(3), 0, DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	warnings := rec.Warnings()
	test.That(t, warnings, test.ShouldHaveLength, 3)
	test.That(t, warnings[0], test.ShouldContainSubstring, "did not converge")
	test.That(t, warnings[1], test.ShouldContainSubstring, "1.5000")
	test.That(t, warnings[2], test.ShouldContainSubstring, "left_0003.png")
	test.That(t, logs.FilterLevelExact(logging.WARN.AsZap()).Len(), test.ShouldEqual, 3)
}

func TestNewRecordNonInvertibleDistortion(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	ref := testRefinement()
	// the radius stops growing at r = 0.47 while the image corners sit at r = 0.5
	ref.Distortion = transform.BrownConrady{RadialK1: -1.5}
	rec, err := NewRecord(ref, testViews(3), 0, DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Warnings(), test.ShouldHaveLength, 1)
	test.That(t, rec.Warnings()[0], test.ShouldContainSubstring, "cannot be inverted")
	test.That(t, logs.FilterLevelExact(logging.WARN.AsZap()).Len(), test.ShouldEqual, 1)
}

func TestNewRecordInvalid(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, tc := range []struct {
		name   string
		modify func(*Refinement)
	}{
		{"zero fx", func(r *Refinement) { r.Intrinsics.Fx = 0 }},
		{"negative fy", func(r *Refinement) { r.Intrinsics.Fy = -800 }},
		{"nan distortion", func(r *Refinement) { r.Distortion.RadialK2 = math.NaN() }},
		{"principal point left", func(r *Refinement) { r.Intrinsics.Ppx = -161 }},
		{"principal point right", func(r *Refinement) { r.Intrinsics.Ppx = 801 }},
		{"principal point below", func(r *Refinement) { r.Intrinsics.Ppy = 601 }},
		{"infinite cy", func(r *Refinement) { r.Intrinsics.Ppy = math.Inf(1) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ref := testRefinement()
			tc.modify(ref)
			_, err := NewRecord(ref, testViews(3), 0, DefaultConfig(), logger)
			test.That(t, errors.Is(err, ErrInvalidCalibration), test.ShouldBeTrue)
		})
	}

	// just inside the expanded image rectangle
	ref := testRefinement()
	ref.Intrinsics.Ppx = -159
	ref.Intrinsics.Ppy = 599
	_, err := NewRecord(ref, testViews(3), 0, DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
}

func TestFieldsRoundTrip(t *testing.T) {
	rec, err := NewRecord(testRefinement(), testViews(3), 0, DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	fields := rec.Fields()

	data, err := json.Marshal(fields)
	test.That(t, err, test.ShouldBeNil)
	var flat map[string]interface{}
	test.That(t, json.Unmarshal(data, &flat), test.ShouldBeNil)
	test.That(t, flat, test.ShouldContainKey, "fx")
	test.That(t, flat, test.ShouldContainKey, "image_width")
	test.That(t, flat["image_topic"], test.ShouldEqual, "/image_raw")
	test.That(t, flat, test.ShouldHaveLength, 13)

	var back Fields
	test.That(t, json.Unmarshal(data, &back), test.ShouldBeNil)
	test.That(t, cmp.Diff(fields, back), test.ShouldBeEmpty)
	test.That(t, math.Float64bits(back.P1), test.ShouldEqual, math.Float64bits(fields.P1))
	test.That(t, math.Float64bits(back.Cx), test.ShouldEqual, math.Float64bits(fields.Cx))

	again, err := json.Marshal(back)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(again), test.ShouldEqual, string(data))
}

func TestFieldsUnmarshalErrors(t *testing.T) {
	var f Fields
	test.That(t, json.Unmarshal([]byte(`{"fx": 1}`), &f), test.ShouldNotBeNil)
	test.That(t, json.Unmarshal([]byte(`{"fx": "a"}`), &f), test.ShouldNotBeNil)
	full := `{"fx":1,"fy":1,"cx":1,"cy":1,"k1":0,"k2":0,"k3":0,"p1":0,"p2":0,"image_width":4,"image_height":3`
	test.That(t, json.Unmarshal([]byte(full+`,"camera":7}`), &f), test.ShouldNotBeNil)
	test.That(t, json.Unmarshal([]byte(full+`,"camera":"front","rms":0.2}`), &f), test.ShouldBeNil)
	test.That(t, f.PassThrough, test.ShouldResemble, map[string]string{"camera": "front"})

	_, err := json.Marshal(Fields{PassThrough: map[string]string{"k1": "x"}})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRecordRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IncludeExtrinsics = true
	cfg.PassThrough["camera"] = "wrist"
	ref := testRefinement()
	ref.RMS = 2
	rec, err := NewRecord(ref, testViews(3), 4, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Warnings(), test.ShouldHaveLength, 1)

	data, err := json.Marshal(rec)
	test.That(t, err, test.ShouldBeNil)
	var back Record
	test.That(t, json.Unmarshal(data, &back), test.ShouldBeNil)
	test.That(t, cmp.Diff(rec, &back, cmp.AllowUnexported(Record{})), test.ShouldBeEmpty)

	again, err := json.Marshal(&back)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(again), test.ShouldEqual, string(data))

	// the record is also a valid flat view
	var f Fields
	test.That(t, json.Unmarshal(data, &f), test.ShouldBeNil)
	test.That(t, cmp.Diff(rec.Fields(), f), test.ShouldBeEmpty)
}
