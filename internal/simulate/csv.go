// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package simulate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tomtom215/trailwatch/internal/detection"
)

// Header is the column layout of dataset files. Only tourist_id, lat, lon
// and timestamp are required when reading.
var Header = []string{"tourist_id", "lat", "lon", "timestamp", "is_anomaly", "anomaly_type"}

var requiredColumns = Header[:4]

// WriteCSV writes records with a header row. Timestamps use the space
// separated layout.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Ping.EntityID,
			strconv.FormatFloat(r.Ping.Lat, 'f', -1, 64),
			strconv.FormatFloat(r.Ping.Lon, 'f', -1, 64),
			r.Ping.Timestamp.UTC().Format(detection.TimestampLayoutSpace),
			strconv.FormatBool(r.IsAnomaly),
			r.Label,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a dataset. Columns are matched by header name, so extra or
// reordered columns are fine. Missing labels default to normal.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty dataset")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}
	cr.FieldsPerRecord = len(header)

	var out []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := parseRow(row, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
}

func parseRow(row []string, cols map[string]int) (Record, error) {
	get := func(name string) string {
		if i, ok := cols[name]; ok {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	id := get("tourist_id")
	if id == "" {
		return Record{}, errors.New("empty tourist_id")
	}
	lat, err := strconv.ParseFloat(get("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		return Record{}, fmt.Errorf("invalid lat %q", get("lat"))
	}
	lon, err := strconv.ParseFloat(get("lon"), 64)
	if err != nil || lon < -180 || lon > 180 {
		return Record{}, fmt.Errorf("invalid lon %q", get("lon"))
	}
	ts, err := detection.ParseTimestamp(get("timestamp"))
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Ping:  detection.Ping{EntityID: id, Lat: lat, Lon: lon, Timestamp: ts},
		Label: LabelNormal,
	}
	if v := get("is_anomaly"); v != "" {
		if rec.IsAnomaly, err = strconv.ParseBool(v); err != nil {
			return Record{}, fmt.Errorf("invalid is_anomaly %q", v)
		}
	}
	if v := get("anomaly_type"); v != "" {
		rec.Label = v
	}
	return rec, nil
}

// LoadFile reads a dataset file.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}
