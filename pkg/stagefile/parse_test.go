package stagefile

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const legacyCrud = `
# build the war with maven
FROM maven:3-eclipse-temurin-17 AS builder
WORKDIR /src
ENV MAVEN_OPTS="-Xmx512m" CI=1
COPY pom.xml ./
COPY src/ ./src/
RUN mvn -q \
    -DskipTests package
ARTIFACT src/target/app.war

FROM tomcat:9-jre17 AS runtime
EXPOSE 8080
COPY --from=builder src/target/app.war webapps/ROOT.war
RUN ["chmod", "0644", "webapps/ROOT.war"]
ARTIFACT webapps
`

func TestParse_MultiStage(t *testing.T) {
	f, err := Parse(strings.NewReader(legacyCrud))
	require.NoError(t, err)
	require.Len(t, f.Stages, 2)

	b := f.Stages[0]
	require.Equal(t, "builder", b.Name)
	require.Equal(t, "maven:3-eclipse-temurin-17", b.Base)
	require.Equal(t, "src", b.Workdir)
	require.Equal(t, "-Xmx512m", b.Env["MAVEN_OPTS"])
	require.Equal(t, "1", b.Env["CI"])
	require.Len(t, b.Steps, 3)
	require.Equal(t, []string{"pom.xml"}, b.Steps[0].Copy.Sources)
	require.Equal(t, []string{"/bin/sh", "-c", "mvn -q     -DskipTests package"}, b.Steps[2].Run)
	require.Equal(t, "src/target/app.war", b.Artifact)

	r := f.Final()
	require.Equal(t, "runtime", r.Name)
	require.Equal(t, "builder", r.Steps[0].Copy.From)
	require.Equal(t, []string{"chmod", "0644", "webapps/ROOT.war"}, r.Steps[1].Run)
	require.Equal(t, "webapps", r.Artifact)
	require.Len(t, r.Ignored, 1)
}

func TestParse_FinalStageDefaultsToWholeTree(t *testing.T) {
	f, err := Parse(strings.NewReader("FROM local\nRUN echo hi > out.txt\n"))
	require.NoError(t, err)
	require.Equal(t, ".", f.Final().Artifact)
	require.Equal(t, "0", f.Final().Name)
	require.False(t, f.Final().Named())
}

func TestParse_FromByIndex(t *testing.T) {
	f, err := Parse(strings.NewReader("FROM a\nARTIFACT out\nFROM b\nCOPY --from=0 out/x x\n"))
	require.NoError(t, err)
	require.Equal(t, "0", f.Stages[1].Steps[0].Copy.From)
}

func TestParse_RejectsForwardAndSelfReferences(t *testing.T) {
	cases := map[string]string{
		"forward": "FROM a AS first\nCOPY --from=second x y\nFROM b AS second\nARTIFACT x\n",
		"self":    "FROM a AS only\nCOPY --from=only out y\n",
		"index":   "FROM a\nCOPY --from=1 x y\nFROM b\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(src))
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, 2, pe.Line)
		})
	}
}

func TestParse_CopyFromStageWithoutArtifact(t *testing.T) {
	_, err := Parse(strings.NewReader("FROM a AS scratchpad\nRUN true\nFROM b\nCOPY --from=scratchpad x y\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "declares no ARTIFACT")
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":           "# nothing here\n",
		"before from":     "RUN true\n",
		"unknown":         "FROM a\nFROBNICATE x\n",
		"duplicate name":  "FROM a AS x\nFROM b AS x\n",
		"bad exec form":   "FROM a\nRUN [\"unterminated\n",
		"copy one arg":    "FROM a\nCOPY onlyone\n",
		"double artifact": "FROM a\nARTIFACT x\nARTIFACT y\n",
		"numeric name":    "FROM a AS 7\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(src))
			require.Error(t, err)
		})
	}
}

func TestParse_RunHeredoc(t *testing.T) {
	src := "FROM local\nRUN <<EOF\nmkdir -p out\necho hi > out/a.txt\nEOF\nRUN python3 - <<PY\nprint(1)\nPY\nARTIFACT out\n"
	f, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	st := f.Final()
	require.Len(t, st.Steps, 2)
	require.Equal(t, []string{"/bin/sh", "-c", "mkdir -p out\necho hi > out/a.txt\n"}, st.Steps[0].Run)
	require.Equal(t, []string{"/bin/sh", "-c", "python3 - <<PY\nprint(1)\nPY"}, st.Steps[1].Run)
	require.Equal(t, "out", st.Artifact)
	require.Equal(t, 6, st.Steps[1].Line)
}

func TestParse_EscapeDirective(t *testing.T) {
	src := "# escape=`\nFROM local\nRUN echo one `\n    two\nARTIFACT .\n"
	f, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/sh", "-c", "echo one     two"}, f.Final().Steps[0].Run)
}

func TestParse_RunFlagsAreIgnored(t *testing.T) {
	f, err := Parse(strings.NewReader("FROM local\nRUN --mount=type=cache,target=/root/.m2 mvn package\n"))
	require.NoError(t, err)
	st := f.Final()
	require.Equal(t, []string{"/bin/sh", "-c", "mvn package"}, st.Steps[0].Run)
	require.Equal(t, []string{"line 2: RUN --mount=type=cache,target=/root/.m2"}, st.Ignored)
}

func TestParse_EnvForms(t *testing.T) {
	f, err := Parse(strings.NewReader("FROM local\nENV GREETING hello world\nENV A='x y' B=\"\" C=3\n"))
	require.NoError(t, err)
	env := f.Final().Env
	require.Equal(t, "hello world", env["GREETING"])
	require.Equal(t, "x y", env["A"])
	require.Equal(t, "", env["B"])
	require.Equal(t, "3", env["C"])
}

func TestParse_UnsupportedCopyFlag(t *testing.T) {
	_, err := Parse(strings.NewReader("FROM local\nCOPY --parents a b\n"))
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 2, pe.Line)
	require.Contains(t, pe.Msg, "unsupported COPY flag")
}

func TestCleanRel(t *testing.T) {
	require.Equal(t, "app", CleanRel("/app"))
	require.Equal(t, "app", CleanRel("../../app"))
	require.Equal(t, ".", CleanRel("/"))
	require.Equal(t, "a/b", CleanRel("a/./b/"))
}
