// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package version

import (
	"bytes"
	"fmt"
	"time"
)

var (
	// BuildDate is the time of the git commit used to build the program,
	// in RFC3339 format. It is filled in by the compiler via makefile.
	BuildDate string

	// The git commit that was compiled. This will be filled in by the compiler.
	GitCommit   string
	GitDescribe string

	// The main version number that is being run at the moment.
	Version = "0.3.0"

	// A pre-release marker for the version. If this is "" (empty string)
	// then it means that it is a final release. Otherwise, this is a pre-release
	// such as "dev" (in development), "beta", "rc1", etc.
	VersionPrerelease = "dev"

	// VersionMetadata is metadata further describing the build type.
	VersionMetadata = ""
)

// VersionInfo describes the running build.
type VersionInfo struct {
	BuildDate         time.Time
	Revision          string
	Version           string
	VersionPrerelease string
	VersionMetadata   string
}

func (v *VersionInfo) Copy() *VersionInfo {
	if v == nil {
		return nil
	}
	nv := *v
	return &nv
}

func GetVersion() *VersionInfo {
	ver := Version
	rel := VersionPrerelease
	md := VersionMetadata
	if GitDescribe != "" {
		ver = GitDescribe
	}
	if GitDescribe == "" && rel == "" && VersionPrerelease != "" {
		rel = "dev"
	}

	buildDate, _ := time.Parse(time.RFC3339, BuildDate)

	return &VersionInfo{
		BuildDate:         buildDate,
		Revision:          GitCommit,
		Version:           ver,
		VersionPrerelease: rel,
		VersionMetadata:   md,
	}
}

// VersionNumber renders the semantic version with any prerelease and
// metadata suffixes.
func (v *VersionInfo) VersionNumber() string {
	version := v.Version

	if v.VersionPrerelease != "" {
		version = fmt.Sprintf("%s-%s", version, v.VersionPrerelease)
	}

	if v.VersionMetadata != "" {
		version = fmt.Sprintf("%s+%s", version, v.VersionMetadata)
	}

	return version
}

// FullVersionNumber renders the version with the revision appended when
// requested.
func (v *VersionInfo) FullVersionNumber(rev bool) string {
	var versionString bytes.Buffer

	fmt.Fprintf(&versionString, "modchain v%s", v.Version)
	if v.VersionPrerelease != "" {
		fmt.Fprintf(&versionString, "-%s", v.VersionPrerelease)
	}

	if v.VersionMetadata != "" {
		fmt.Fprintf(&versionString, "+%s", v.VersionMetadata)
	}

	if rev && v.Revision != "" {
		fmt.Fprintf(&versionString, " (%s)", v.Revision)
	}

	return versionString.String()
}
