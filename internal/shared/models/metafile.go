package models

// SwarmMeta is the content of a swarm metafile.
type SwarmMeta struct {
	Tracker string
	Info    SwarmInfo
	ID      SwarmID
}

type SwarmInfo struct {
	Name      string
	Length    int64
	ChunkSize int64
	Live      bool
}

func (i SwarmInfo) Chunks() uint32 {
	if i.ChunkSize <= 0 || i.Length <= 0 {
		return 0
	}
	return uint32((i.Length + i.ChunkSize - 1) / i.ChunkSize)
}
