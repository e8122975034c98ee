package observability

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	// EnablePrometheus exposes the replication counters on Addr under Path.
	EnablePrometheus bool
	Addr             string
	Path             string
	// ConstLabels are attached to every exported series.
	ConstLabels map[string]string
	// EnablePprofTrace mounts net/http/pprof next to the metrics handler.
	EnablePprofTrace bool
}
