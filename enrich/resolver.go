package enrich

import (
	"os/user"
	"strconv"
)

// OSResolver resolves uids/gids via the host's user/group database.
type OSResolver struct{}

func (OSResolver) UserName(uid uint32) (string, bool) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", false
	}
	return u.Username, true
}

func (OSResolver) GroupName(gid uint32) (string, bool) {
	g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	if err != nil {
		return "", false
	}
	return g.Name, true
}
