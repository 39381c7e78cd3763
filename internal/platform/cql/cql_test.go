package cql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/caregaps/internal/elm"
	et "github.com/ehr/caregaps/internal/elm/elmtest"
)

// ===========================================================================
// Test helpers
// ===========================================================================

func mp2024() *Interval {
	return NewInterval(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 23, 59, 59, 999_000_000, time.UTC),
	)
}

func request(lib *elm.Library, expr et.M) Request {
	return Request{
		Library:    lib,
		Libraries:  elm.NewLibrarySet(lib),
		Expression: elm.ParseExpression(expr),
		Parameters: Parameters{MeasurementPeriod: mp2024()},
		Patient:    map[string]interface{}{"resourceType": "Patient", "id": "p1", "birthDate": "1970-06-15"},
	}
}

// ===========================================================================
// Interval
// ===========================================================================

func TestIntervalContains(t *testing.T) {
	iv := mp2024()
	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), false},
		{time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		if got := iv.Contains(tc.at); got != tc.want {
			t.Errorf("Contains(%s) = %v, want %v", tc.at, got, tc.want)
		}
	}

	open := &Interval{Low: iv.Low}
	if !open.Contains(time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("interval without high bound should be unbounded above")
	}
}

func TestFormatTimestamp(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	got := FormatTimestamp(time.Date(2024, 1, 1, 0, 0, 0, 0, loc))
	if got != "2024-01-01T05:00:00.000Z" {
		t.Errorf("FormatTimestamp = %q", got)
	}
}

func TestParseDateTime(t *testing.T) {
	for _, s := range []string{"2024-03-01", "2024-03-01T10:00:00Z", "2024-03-01T10:00:00.000", "2024"} {
		if _, err := ParseDateTime(s); err != nil {
			t.Errorf("ParseDateTime(%q): %v", s, err)
		}
	}
	if _, err := ParseDateTime("yesterday"); err == nil {
		t.Error("expected error for unparseable date")
	}
}

func TestAgeInYearsAt(t *testing.T) {
	birth := time.Date(1970, 6, 15, 0, 0, 0, 0, time.UTC)
	if got := AgeInYearsAt(birth, time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)); got != 53 {
		t.Errorf("age day before birthday = %d, want 53", got)
	}
	if got := AgeInYearsAt(birth, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)); got != 54 {
		t.Errorf("age on birthday = %d, want 54", got)
	}
}

// ===========================================================================
// Engine
// ===========================================================================

func TestAddQuantity(t *testing.T) {
	base := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		q    Quantity
		sign int
		want time.Time
	}{
		{Quantity{2, "years"}, 1, time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)},
		{Quantity{1, "'mo'"}, -1, time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC)},
		{Quantity{1, "wk"}, 1, time.Date(2024, 2, 7, 12, 0, 0, 0, time.UTC)},
		{Quantity{1.5, "h"}, 1, time.Date(2024, 1, 31, 13, 30, 0, 0, time.UTC)},
		{Quantity{30, "s"}, 1, time.Date(2024, 1, 31, 12, 0, 30, 0, time.UTC)},
		{Quantity{250, "ms"}, 1, time.Date(2024, 1, 31, 12, 0, 0, 250_000_000, time.UTC)},
		{Quantity{500, "milliseconds"}, -1, time.Date(2024, 1, 31, 11, 59, 59, 500_000_000, time.UTC)},
	}
	for _, tt := range tests {
		got, err := addQuantity(base, tt.q, tt.sign)
		if err != nil {
			t.Errorf("addQuantity(%v): %v", tt.q, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("addQuantity(%v, %d) = %s, want %s", tt.q, tt.sign, got, tt.want)
		}
	}
}

func TestAddQuantity_Rejects(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, q := range []Quantity{
		{1, "m"},
		{1, ""},
		{1.5, "years"},
		{0.5, "d"},
	} {
		if _, err := addQuantity(base, q, 1); err == nil {
			t.Errorf("addQuantity(%v) should fail", q)
		}
	}
}

func TestEngine_MeasurementPeriodParameter(t *testing.T) {
	lib := et.NewLib("Main").Parameter(MeasurementPeriod).Build()
	iv, err := NewEngine().EvaluateInterval(context.Background(), request(lib, et.Param("1", MeasurementPeriod)))
	if err != nil {
		t.Fatalf("EvaluateInterval: %v", err)
	}
	if iv.Start() != "2024-01-01T00:00:00.000Z" || iv.End() != "2024-12-31T23:59:59.999Z" {
		t.Errorf("interval = %s", iv)
	}
}

func TestEngine_LookbackFromMeasurementPeriodEnd(t *testing.T) {
	lib := et.NewLib("Main").Build()
	expr := et.M{
		"type": "Interval", "localId": "1", "lowClosed": true, "highClosed": true,
		"low":  et.Op("Subtract", "2", et.Unary("End", "3", et.MeasurementPeriod("4")), et.Qty("5", 2, "years")),
		"high": et.Unary("End", "6", et.MeasurementPeriod("7")),
	}
	iv, err := NewEngine().EvaluateInterval(context.Background(), request(lib, expr))
	if err != nil {
		t.Fatalf("EvaluateInterval: %v", err)
	}
	if iv.Start() != "2022-12-31T23:59:59.999Z" {
		t.Errorf("low = %s", iv.Start())
	}
	if iv.End() != "2024-12-31T23:59:59.999Z" {
		t.Errorf("high = %s", iv.End())
	}
}

func TestEngine_DateTimeConstructorAndStatementRef(t *testing.T) {
	lib := et.NewLib("Main").
		Define("Start Of Year", "10", et.M{"type": "DateTime", "localId": "11", "year": et.Int("12", "2023"), "month": et.Int("13", "7")}).
		Build()
	expr := et.M{
		"type": "Interval", "localId": "1", "lowClosed": true, "highClosed": false,
		"low":  et.ExprRef("2", "Start Of Year"),
		"high": et.M{"type": "Null", "localId": "3"},
	}
	iv, err := NewEngine().EvaluateInterval(context.Background(), request(lib, expr))
	if err != nil {
		t.Fatalf("EvaluateInterval: %v", err)
	}
	if iv.Start() != "2023-07-01T00:00:00.000Z" {
		t.Errorf("low = %s", iv.Start())
	}
	if iv.High != nil {
		t.Errorf("expected open high bound, got %s", iv.End())
	}
}

func TestEngine_PatientBirthDate(t *testing.T) {
	lib := et.NewLib("Main").Build()
	birth := et.M{"type": "Property", "localId": "3", "path": "birthDate.value", "source": et.ExprRef("4", "Patient")}
	expr := et.M{
		"type": "Interval", "localId": "1", "lowClosed": true, "highClosed": true,
		"low":  et.Op("Add", "2", et.FuncRef("5", "FHIRHelpers", "ToDate", birth), et.Qty("6", 18, "years")),
		"high": et.Unary("End", "7", et.MeasurementPeriod("8")),
	}
	iv, err := NewEngine().EvaluateInterval(context.Background(), request(lib, expr))
	if err != nil {
		t.Fatalf("EvaluateInterval: %v", err)
	}
	if iv.Start() != "1988-06-15T00:00:00.000Z" {
		t.Errorf("low = %s", iv.Start())
	}
}

func TestEngine_Now(t *testing.T) {
	fixed := time.Date(2024, 5, 5, 12, 0, 0, 0, time.UTC)
	e := &Engine{Now: func() time.Time { return fixed }}
	expr := et.M{"type": "Interval", "localId": "1", "lowClosed": true, "highClosed": true,
		"low": et.M{"type": "Today", "localId": "2"}, "high": et.M{"type": "Now", "localId": "3"}}
	iv, err := e.EvaluateInterval(context.Background(), request(et.NewLib("Main").Build(), expr))
	if err != nil {
		t.Fatalf("EvaluateInterval: %v", err)
	}
	if iv.Start() != "2024-05-05T00:00:00.000Z" || iv.End() != "2024-05-05T12:00:00.000Z" {
		t.Errorf("interval = %s", iv)
	}
}

func TestEngine_QueryScopedRejected(t *testing.T) {
	expr := et.M{"type": "Interval", "localId": "1", "lowClosed": true, "highClosed": true,
		"low":  et.Prop("2", "E", "period.start"),
		"high": et.Unary("End", "3", et.MeasurementPeriod("4"))}
	_, err := NewEngine().EvaluateInterval(context.Background(), request(et.NewLib("Main").Build(), expr))
	if !errors.Is(err, ErrQueryScoped) {
		t.Fatalf("err = %v, want ErrQueryScoped", err)
	}
}

func TestEngine_UnsupportedExpression(t *testing.T) {
	expr := et.Op("Multiply", "1", et.Int("2", "1"), et.Int("3", "2"))
	_, err := NewEngine().EvaluateInterval(context.Background(), request(et.NewLib("Main").Build(), expr))
	if !errors.Is(err, ErrUnsupportedExpression) {
		t.Fatalf("err = %v, want ErrUnsupportedExpression", err)
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine().EvaluateInterval(ctx, request(et.NewLib("Main").Build(), et.MeasurementPeriod("1")))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// ===========================================================================
// RemoteEvaluator
// ===========================================================================

func TestRemoteEvaluator(t *testing.T) {
	var got remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/evaluate/interval" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"low":"2024-01-01T00:00:00.000Z","high":"2024-06-30T00:00:00.000Z","lowClosed":true,"highClosed":true}`))
	}))
	defer srv.Close()

	ev := NewRemoteEvaluator(srv.URL, 5*time.Second, 0, zerolog.Nop())
	lib := et.NewLib("Main").Build()
	iv, err := ev.EvaluateInterval(context.Background(), request(lib, et.MeasurementPeriod("42")))
	if err != nil {
		t.Fatalf("EvaluateInterval: %v", err)
	}
	if iv.End() != "2024-06-30T00:00:00.000Z" {
		t.Errorf("high = %s", iv.End())
	}
	if got.Library != "Main" || got.LocalID != "42" || got.PatientID != "p1" {
		t.Errorf("request = %+v", got)
	}
	mp, ok := got.Parameters[MeasurementPeriod].(map[string]interface{})
	if !ok || mp["low"] != "2024-01-01T00:00:00.000Z" {
		t.Errorf("parameters = %v", got.Parameters)
	}
}

func TestRemoteEvaluator_EngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"not an interval"}`))
	}))
	defer srv.Close()

	ev := NewRemoteEvaluator(srv.URL, time.Second, 0, zerolog.Nop())
	_, err := ev.EvaluateInterval(context.Background(), request(et.NewLib("Main").Build(), et.MeasurementPeriod("1")))
	if err == nil {
		t.Fatal("expected error from engine")
	}
}
