package platformx

func maybeEmitWarning() {
}
