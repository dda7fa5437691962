package testutil

// WithStandardTrace adds one training step trace:
//
//	train_step (1)
//	├── forward (2)
//	│   └── linear (3)
//	└── backward (4), with a "grad.clipped" event
//
// plus a second, still open root on another thread (5).
func (b *Builder) WithStandardTrace() *Builder {
	return b.
		WithSpan(1, "train_step", Times(1_000, 9_000), Kind("step"), Attrs(`{"step":1}`)).
		WithSpan(2, "forward", Parent(1, 1), Times(2_000, 5_000)).
		WithSpan(3, "linear", Parent(2, 1), Times(3_000, 4_000), Location("model.go:linear:42")).
		WithSpan(4, "backward", Parent(1, 1), Times(5_500, 8_500),
			Event("grad.clipped", 6_000, `{"norm":1.5}`)).
		WithSpan(5, "loader", Thread(2), Times(10_000, 0), Open())
}

// WithStandardModules adds module timing rows for two steps.
func (b *Builder) WithStandardModules() *Builder {
	return b.
		WithModuleTrace(1, 0, "encoder", "pre forward", 0).
		WithModuleTrace(1, 1, "encoder", "post forward", 0.25).
		WithModuleTrace(2, 0, "decoder", "pre forward", 0).
		WithModuleTrace(2, 1, "decoder", "post forward", 0.5).
		WithModuleTrace(3, 1, "decoder", "post forward", 0.7).
		WithVariable(1, "trainStep", "loss", "0.93").
		WithVariable(2, "trainStep", "loss", "0.81")
}
