// Package identity derives the stable keys that join independently uploaded
// descriptions of the same camera-trap asset.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Type roots used as the first path segment of a canonical asset path
const (
	RootImages = "images"
	RootVideo  = "video"
)

// PathParts holds the components of a canonical asset path
type PathParts struct {
	Root           string // images or video
	ProjectID      string
	Site           string
	SubSite        string
	CameraLocation string
	BaseName       string // original file name without directories or extension
	OriginalEpoch  int64  // uncorrected original timestamp, seconds
	Ext            string // normalised extension without dot
}

// LocationPath joins the four location components the way every producer does.
func LocationPath(projectID, site, subSite, cameraLocation string) string {
	return projectID + "/" + site + "/" + subSite + "/" + cameraLocation
}

// LocationKey is the fingerprint of a full camera location (fullCameraLocationMd5).
func LocationKey(projectID, site, subSite, cameraLocation string) string {
	return Digest(LocationPath(projectID, site, subSite, cameraLocation))
}

// CanonicalBaseName suffixes the base name with the original epoch seconds so
// two physically different files sharing a name stay distinct.
func CanonicalBaseName(baseName string, originalEpoch int64) string {
	return baseName + "_" + strconv.FormatInt(originalEpoch, 10)
}

// CanonicalPath renders
// <root>/orig/<project>/<site>/<subSite>/<location>/<basename>_<epoch>.<ext>.
// The output must stay bit-for-bit stable: ContentIDs are derived from it.
func CanonicalPath(p PathParts) string {
	var b strings.Builder
	b.WriteString(p.Root)
	b.WriteString("/orig/")
	b.WriteString(LocationPath(p.ProjectID, p.Site, p.SubSite, p.CameraLocation))
	b.WriteByte('/')
	b.WriteString(CanonicalBaseName(p.BaseName, p.OriginalEpoch))
	b.WriteByte('.')
	b.WriteString(p.Ext)
	return b.String()
}

// PreviewPath is the key of the reduced-quality preview derived from a still image.
func PreviewPath(p PathParts, width, quality int) string {
	return fmt.Sprintf("%s/%dq%d/%s/%s.jpg",
		RootImages, width, quality,
		LocationPath(p.ProjectID, p.Site, p.SubSite, p.CameraLocation),
		CanonicalBaseName(p.BaseName, p.OriginalEpoch))
}

// ContentID returns the asset fingerprint for a canonical path.
func ContentID(canonicalPath string) string {
	return Digest(canonicalPath)
}

// Digest is the lowercase hex MD5 of s. MD5 keeps keys compatible with the
// url_md5 values already stored for the corpus; it is not a security boundary.
func Digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
