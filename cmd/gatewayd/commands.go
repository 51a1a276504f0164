package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/config"
	"github.com/urfave/cli/v2"
)

// flags
var (
	urlFlag = &cli.StringFlag{
		Name:    "url",
		Usage:   "base url of the gateway api",
		Value:   fmt.Sprintf("http://localhost:%d", config.DefaultGatewayPort),
		EnvVars: []string{"GATEWAY_URL"},
	}
	adminTokenFlag = &cli.StringFlag{
		Name:    "admin-token",
		Usage:   "bearer token for the admin endpoints",
		EnvVars: []string{"GATEWAY_ADMIN_TOKEN"},
	}
	tlsCertFlag = &cli.StringFlag{
		Name:  "tls-cert-path",
		Usage: "path of the daemon tls certificate, only needed over https",
	}
)

// commands
var (
	dkgPoolCmd = &cli.Command{
		Name:   "dkg-pool",
		Usage:  "Show the level of the pre-generated key share pool",
		Action: dkgPoolAction,
	}
	refreshMetadataCmd = &cli.Command{
		Name:   "refresh-metadata",
		Usage:  "Re-read the indexer record of every cached wrune",
		Action: refreshMetadataAction,
	}
	healthCmd = &cli.Command{
		Name:   "health",
		Usage:  "Check that the gateway daemon is up",
		Action: healthAction,
	}
)

func dkgPoolAction(ctx *cli.Context) error {
	baseURL := ctx.String("url")
	tlsCertPath := ctx.String("tls-cert-path")
	if strings.Contains(baseURL, "http://") {
		tlsCertPath = ""
	}

	url := fmt.Sprintf("%s/api/admin/dkg-pool", baseURL)
	pool, err := getPool(url, ctx.String("admin-token"), tlsCertPath)
	if err != nil {
		return err
	}

	fmt.Println(pool)
	return nil
}

func refreshMetadataAction(ctx *cli.Context) error {
	baseURL := ctx.String("url")
	tlsCertPath := ctx.String("tls-cert-path")
	if strings.Contains(baseURL, "http://") {
		tlsCertPath = ""
	}

	url := fmt.Sprintf("%s/api/admin/refresh-metadata", baseURL)
	if _, err := post[struct{}](url, "", ctx.String("admin-token"), tlsCertPath); err != nil {
		return err
	}

	fmt.Println("wrune metadata refreshed")
	return nil
}

func healthAction(ctx *cli.Context) error {
	baseURL := ctx.String("url")
	tlsCertPath := ctx.String("tls-cert-path")
	if strings.Contains(baseURL, "http://") {
		tlsCertPath = ""
	}

	url := fmt.Sprintf("%s/health", baseURL)
	if _, err := post[struct{}](url, "", "", tlsCertPath); err != nil {
		return err
	}

	fmt.Println("gateway is up")
	return nil
}

func post[T any](url, body, token, tlsCert string) (result T, err error) {
	tlsConfig, err := getTLSConfig(tlsCert)
	if err != nil {
		return
	}
	req, err := http.NewRequest("POST", url, strings.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Add("Content-Type", "application/json")
	if len(token) > 0 {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("failed to post: %s", string(buf))
		return
	}
	if err = json.Unmarshal(buf, &result); err != nil {
		return
	}
	return
}

type poolStatus struct {
	Unassigned int `json:"unassigned"`
	LowWater   int `json:"low_water"`
	HighWater  int `json:"high_water"`
}

func (s poolStatus) String() string {
	return fmt.Sprintf(
		"unassigned shares: %d\nlow water: %d\nhigh water: %d",
		s.Unassigned, s.LowWater, s.HighWater,
	)
}

func getPool(url, token, tlsCert string) (*poolStatus, error) {
	tlsConfig, err := getTLSConfig(tlsCert)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	if len(token) > 0 {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get pool: %s", string(buf))
	}

	result := &poolStatus{}
	if err := json.Unmarshal(buf, result); err != nil {
		return nil, err
	}
	return result, nil
}

func getTLSConfig(path string) (*tls.Config, error) {
	if len(path) <= 0 {
		return nil, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(buf); !ok {
		return nil, fmt.Errorf("failed to parse tls cert")
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    caCertPool,
	}, nil
}
