package service

// LockSaveList holds the metadata write lock until the returned func runs
func (rt *Runtime) LockSaveList() (unlock func()) {
	rt.saveListMu.Lock()
	return rt.saveListMu.Unlock
}
