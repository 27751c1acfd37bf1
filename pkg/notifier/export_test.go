package notifier

// SetSender replaces the desktop notification call in tests
func (n *Notifier) SetSender(fn func(title, message string) error) {
	n.send = fn
}
