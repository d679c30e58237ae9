package topology

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const legacyCrud = `
name: legacy-crud
volumes:
  dbdata: {}
services:
  db:
    image: mysql:8
    environment: {MYSQL_ROOT_PASSWORD: root}
    ports: ["3306:3306"]
    volumes: ["dbdata:/var/lib/mysql", "./dump.sql:/docker-entrypoint-initdb.d/dump.sql:ro"]
    readiness: {tcp: "127.0.0.1:3306", timeout: 60s}
  app:
    build: {stagefile: Stagefile, tag: app}
    depends_on: [db]
    ports: ["127.0.0.1:8080:8080/tcp"]
    command: java -jar "app server.jar"
    environment: ["DB_HOST=db", "DEBUG"]
    readiness: {http: "http://127.0.0.1:8080/", interval: 500ms, timeout: 90s}
`

func TestParse_ShortForms(t *testing.T) {
	topo, err := Parse([]byte(legacyCrud), "/srv/crud", overlay.Patch{})
	require.NoError(t, err)
	require.NoError(t, Validate(topo))

	require.Equal(t, "legacy-crud", topo.Name)
	db := topo.Services["db"]
	require.Equal(t, "db", db.Name)
	require.Equal(t, []PortBinding{{Host: 3306, Container: 3306}}, db.Ports)
	require.Equal(t, VolumeMount{Source: "dbdata", Target: "/var/lib/mysql"}, db.Volumes[0])
	require.Equal(t, VolumeMount{Source: "/srv/crud/dump.sql", Target: "/docker-entrypoint-initdb.d/dump.sql", ReadOnly: true}, db.Volumes[1])
	require.Equal(t, 60*time.Second, db.Readiness.Timeout)
	require.Equal(t, "tcp", db.Readiness.Kind())

	app := topo.Services["app"]
	require.Equal(t, "/srv/crud/Stagefile", app.Build.Stagefile)
	require.Equal(t, "/srv/crud", app.Build.Context)
	require.Equal(t, []string{"java", "-jar", "app server.jar"}, app.Argv())
	require.Equal(t, Environment{"DB_HOST": "db", "DEBUG": ""}, app.Environment)
	require.Equal(t, PortBinding{HostIP: "127.0.0.1", Host: 8080, Container: 8080, Protocol: "tcp"}, app.Ports[0])
	require.Equal(t, 500*time.Millisecond, app.Readiness.Interval)
}

func TestParse_Overrides(t *testing.T) {
	p, err := overlay.ParseAssignments(
		[]string{"services.app.ports=[\"9090:8080\"]", "services.db.image=mysql:8.4"},
		[]string{"services.app.readiness"},
	)
	require.NoError(t, err)

	topo, err := Parse([]byte(legacyCrud), "/srv/crud", p)
	require.NoError(t, err)
	require.Equal(t, 9090, topo.Services["app"].Ports[0].Host)
	require.Equal(t, "mysql:8.4", topo.Services["db"].Image)
	require.Nil(t, topo.Services["app"].Readiness)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("services:\n  a:\n    imagee: x\n"), "/tmp", overlay.Patch{})
	require.Error(t, err)
}

func TestLoadFile_DefaultsName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shop")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, DefaultFilename)
	require.NoError(t, os.WriteFile(path, []byte("services:\n  web:\n    command: [\"sleep\", \"10\"]\n"), 0o644))

	topo, err := LoadFile(path, overlay.Patch{})
	require.NoError(t, err)
	require.Equal(t, "shop", topo.Name)
	require.Equal(t, []string{"sleep", "10"}, topo.Services["web"].Argv())
}

func topoOf(deps map[string][]string) *Topology {
	t := &Topology{Services: map[string]*Service{}, Volumes: map[string]Volume{}}
	for name, d := range deps {
		t.Services[name] = &Service{Name: name, Image: "img", DependsOn: d}
	}
	return t
}

func TestGraph_Batches(t *testing.T) {
	topo := topoOf(map[string][]string{
		"db":     nil,
		"cache":  nil,
		"app":    {"db", "cache"},
		"worker": {"db"},
		"proxy":  {"app"},
	})
	g := NewGraph(topo)
	batches, err := g.Batches()
	require.NoError(t, err)
	require.Equal(t, [][]string{{"cache", "db"}, {"app", "worker"}, {"proxy"}}, batches)

	order, err := g.Order()
	require.NoError(t, err)
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	for _, name := range topo.Names() {
		for _, dep := range topo.Services[name].DependsOn {
			require.Less(t, pos[dep], pos[name], "%s must start after %s", name, dep)
		}
	}

	require.Equal(t, []string{"app", "proxy", "worker"}, g.Downstream("db"))
	require.Equal(t, []string{"app"}, g.Dependents("cache"))
	require.Equal(t, []string{"cache", "db"}, g.Dependencies("app"))
}

func TestValidate_Cycle(t *testing.T) {
	topo := topoOf(map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
		"d": nil,
	})
	err := Validate(topo)
	var cycle *DependencyCycle
	require.True(t, errors.As(err, &cycle))
	require.ElementsMatch(t, []string{"a", "b", "c"}, cycle.Members)

	_, err = NewGraph(topo).Batches()
	require.True(t, errors.As(err, &cycle))
}

func TestValidate_SelfDependency(t *testing.T) {
	err := Validate(topoOf(map[string][]string{"a": {"a"}}))
	var cycle *DependencyCycle
	require.True(t, errors.As(err, &cycle))
	require.Equal(t, []string{"a"}, cycle.Members)
}

func TestValidate_PortConflict(t *testing.T) {
	topo := topoOf(map[string][]string{"db1": nil, "db2": nil})
	topo.Services["db1"].Ports = []PortBinding{{Host: 3306, Container: 3306}}
	topo.Services["db2"].Ports = []PortBinding{{Host: 3306, Container: 3306}}

	err := Validate(topo)
	var pc *PortConflict
	require.True(t, errors.As(err, &pc))
	require.Equal(t, 3306, pc.Port)
	require.Equal(t, []string{"db1", "db2"}, pc.Services)

	topo.Services["db2"].Ports[0].Protocol = "udp"
	require.NoError(t, Validate(topo))
}

func TestValidate_Structural(t *testing.T) {
	topo := topoOf(map[string][]string{"app": {"missing"}})
	topo.Services["app"].Volumes = []VolumeMount{{Source: "undeclared", Target: "/data"}}
	topo.Services["app"].Readiness = &Probe{TCP: "x:1", HTTP: "http://x"}
	topo.Services["bare"] = &Service{Name: "bare"}

	err := Validate(topo)
	var inv *InvalidTopology
	require.True(t, errors.As(err, &inv))
	require.Len(t, inv.Problems, 4)
}

func TestValidate_BuildTag(t *testing.T) {
	for _, tag := range []string{"..", "../..", ".", "a/b", ".hidden"} {
		topo := topoOf(map[string][]string{"app": nil})
		topo.Services["app"].Build = &BuildRef{Stagefile: "Stagefile", Tag: tag}

		err := Validate(topo)
		var inv *InvalidTopology
		require.True(t, errors.As(err, &inv), tag)
		require.Contains(t, inv.Problems[0], "build tag", tag)
	}

	topo := topoOf(map[string][]string{"app": nil})
	topo.Services["app"].Build = &BuildRef{Stagefile: "Stagefile", Tag: "app-1.2_x"}
	require.NoError(t, Validate(topo))
}

func TestParsePort(t *testing.T) {
	p, err := ParsePort("53:53/udp")
	require.NoError(t, err)
	require.Equal(t, "53:53/udp", p.String())

	p, err = ParsePort("8080")
	require.NoError(t, err)
	require.Equal(t, 0, p.Host)

	_, err = ParsePort("a:b")
	require.Error(t, err)
	_, err = ParsePort("70000:1")
	require.Error(t, err)
}

func TestImportCompose(t *testing.T) {
	dir := t.TempDir()
	compose := `
services:
  db:
    image: mysql:8
    ports: ["3306:3306"]
    environment:
      MYSQL_ROOT_PASSWORD: root
    volumes: ["dbdata:/var/lib/mysql"]
    x-stackup-readiness:
      tcp: 127.0.0.1:3306
      timeout: 30s
  app:
    build: .
    depends_on: [db]
    ports: ["8080:8080"]
volumes:
  dbdata: {}
`
	path := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(compose), 0o644))

	topo, err := ImportCompose(t.Context(), []string{path}, "crud")
	require.NoError(t, err)
	require.NoError(t, Validate(topo))
	require.Equal(t, "crud", topo.Name)

	db := topo.Services["db"]
	require.Equal(t, BackendDocker, db.Backend)
	require.Equal(t, "root", db.Environment["MYSQL_ROOT_PASSWORD"])
	require.Equal(t, 3306, db.Ports[0].Host)
	require.Equal(t, 30*time.Second, db.Readiness.Timeout)
	require.Equal(t, "127.0.0.1:3306", db.Readiness.TCP)

	app := topo.Services["app"]
	require.Equal(t, []string{"db"}, app.DependsOn)
	require.NotNil(t, app.Build)
	require.Equal(t, "app", app.Build.Tag)
	require.Contains(t, topo.Volumes, "dbdata")
}
