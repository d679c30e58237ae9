// Package stagefile parses the multi-stage build definition.
//
// A Stagefile is a small Dockerfile with one extra ARTIFACT instruction:
//
//	FROM maven:3-eclipse-temurin-17 AS builder
//	WORKDIR /src
//	COPY pom.xml src/ ./
//	RUN mvn -q package
//	ARTIFACT src/target/app.war
//
//	FROM tomcat:9-jre17
//	COPY --from=builder src/target/app.war webapps/ROOT.war
//	ARTIFACT webapps
package stagefile

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

type Copy struct {
	From    string   `json:"from,omitempty"`
	Sources []string `json:"sources"`
	Dest    string   `json:"dest"`
}

// Step is either a copy or a command. Exactly one of Copy and Run is set.
type Step struct {
	Line int      `json:"line"`
	Copy *Copy    `json:"copy,omitempty"`
	Run  []string `json:"run,omitempty"`
}

type Stage struct {
	Index    int               `json:"index"`
	Name     string            `json:"name"`
	Base     string            `json:"base"`
	Workdir  string            `json:"workdir"`
	Env      map[string]string `json:"env,omitempty"`
	Steps    []Step            `json:"steps"`
	Artifact string            `json:"artifact,omitempty"`
	Line     int               `json:"line"`

	// Ignored lists Dockerfile directives that have no meaning for a stage build.
	Ignored []string `json:"ignored,omitempty"`
}

// Named reports whether the stage was given an explicit AS name.
func (s Stage) Named() bool {
	return s.Name != strconv.Itoa(s.Index)
}

type File struct {
	Path   string  `json:"path,omitempty"`
	Stages []Stage `json:"stages"`
}

func (f *File) Final() *Stage {
	if f == nil || len(f.Stages) == 0 {
		return nil
	}
	return &f.Stages[len(f.Stages)-1]
}

func (f *File) Stage(name string) (*Stage, bool) {
	for i := range f.Stages {
		if f.Stages[i].Name == name {
			return &f.Stages[i], true
		}
	}
	return nil, false
}

type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("stagefile line %d: %s", e.Line, e.Msg)
}

// CleanRel maps a stage path onto the stage root. Absolute paths are rooted at the
// stage root and ".." can never escape it.
func CleanRel(p string) string {
	c := strings.TrimPrefix(path.Clean("/"+p), "/")
	if c == "" {
		return "."
	}
	return c
}
