// perimeterctl is a small command line client for the perimeterd HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var (
	serverURL = flag.String("server", "http://localhost:8080", "perimeterd base URL")
	authKey   = flag.String("auth", "", "API key, if the server requires one")
	timeout   = flag.Duration("timeout", 10*time.Second, "request timeout")

	latitude  = flag.Float64("lat", 0, "reading latitude")
	longitude = flag.Float64("lon", 0, "reading longitude")
	accuracy  = flag.Float64("accuracy", 10, "reading accuracy in meters")
	platform  = flag.String("platform", "unknown", "reading platform (ios|android|web|unknown)")

	fenceID     = flag.String("fence-id", "", "geofence id")
	fenceLat    = flag.Float64("fence-lat", 0, "geofence center latitude")
	fenceLon    = flag.Float64("fence-lon", 0, "geofence center longitude")
	fenceRadius = flag.Float64("fence-radius", 100, "geofence radius in meters")
	deviceID    = flag.String("device", "", "device id for server-side state")
)

func usage() {
	fmt.Fprintf(os.Stderr, `perimeterctl - perimeterd API client

Usage: perimeterctl [flags] <command>

Commands:
  health          Show daemon health
  strategies      Show the tuning catalog
  quality         Score a reading (-lat, -lon, -accuracy, -platform)
  evaluate        Evaluate a reading against a fence (-fence-*, -lat, -lon, ...)
  suggest-radius  Ask the advisor for a radius suggestion (-fence-*)

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	var err error
	switch flag.Arg(0) {
	case "health":
		err = get("/health")
	case "strategies":
		err = get("/api/v1/strategies")
	case "quality":
		err = post("/api/v1/quality", map[string]interface{}{
			"reading": reading(),
		})
	case "evaluate":
		err = post("/api/v1/geofence/evaluate", evaluateBody())
	case "suggest-radius":
		err = post("/api/v1/advisor/radius", map[string]interface{}{
			"geofence": fence(),
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func reading() map[string]interface{} {
	return map[string]interface{}{
		"latitude":  *latitude,
		"longitude": *longitude,
		"accuracy":  *accuracy,
		"timestamp": time.Now().UnixMilli(),
		"platform":  *platform,
	}
}

func fence() map[string]interface{} {
	return map[string]interface{}{
		"id":        *fenceID,
		"latitude":  *fenceLat,
		"longitude": *fenceLon,
		"radius":    *fenceRadius,
	}
}

func evaluateBody() map[string]interface{} {
	body := map[string]interface{}{
		"geofence": fence(),
		"reading":  reading(),
	}
	if *deviceID != "" {
		body["deviceId"] = *deviceID
	}
	return body
}

func get(path string) error {
	req, err := http.NewRequest(http.MethodGet, *serverURL+path, nil)
	if err != nil {
		return err
	}
	return do(req)
}

func post(path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, *serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req)
}

func do(req *http.Request) error {
	if *authKey != "" {
		req.Header.Set("X-API-Key", *authKey)
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// Pretty-print when the body is JSON, pass through otherwise
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
