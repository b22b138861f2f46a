// Package version reports the stepdbg version and whether a newer release exists.
package version

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// Version is the current version of stepdbg
	Version = "0.3.0"

	// ReleaseURL is the GitHub API endpoint for the latest release
	ReleaseURL = "https://api.github.com/repos/ctagard/stepdbg/releases/latest"
)

// UpdateInfo contains information about available updates
type UpdateInfo struct {
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion,omitempty"`
	UpdateAvailable bool      `json:"updateAvailable"`
	ReleaseURL      string    `json:"releaseUrl,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Check asks url for the latest release.
func Check(ctx context.Context, url string) (*UpdateInfo, error) {
	info := &UpdateInfo{CurrentVersion: Version, CheckedAt: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return info, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "stepdbg/"+Version)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return info, fmt.Errorf("checking for updates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("release lookup returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return info, err
	}

	tag := gjson.GetBytes(body, "tag_name")
	if !tag.Exists() {
		return info, fmt.Errorf("release response has no tag_name")
	}
	info.LatestVersion = strings.TrimPrefix(tag.String(), "v")
	info.ReleaseURL = gjson.GetBytes(body, "html_url").String()
	info.UpdateAvailable = compareVersions(Version, info.LatestVersion) < 0
	return info, nil
}

// compareVersions compares two semver strings
// Returns -1 if v1 < v2, 0 if equal, 1 if v1 > v2
func compareVersions(v1, v2 string) int {
	a, b := parse(v1), parse(v2)
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// parse reads major.minor.patch, ignoring a pre-release suffix.
func parse(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	for i, p := range parts {
		p = strings.SplitN(p, "-", 2)[0]
		out[i], _ = strconv.Atoi(p)
	}
	return out
}
