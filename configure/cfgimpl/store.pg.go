package cfgimpl

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meidoworks/nekoq-config/configure/configapi"
)

const (
	maxRowPerQuery = 100
)

// PgStore reads configurations from the config_info table of postgres
type PgStore struct {
	connString string

	p *pgxpool.Pool
}

func NewPgStore(connString string) *PgStore {
	return &PgStore{
		connString: connString,
	}
}

func (d *PgStore) Startup() error {
	c, err := pgxpool.ParseConfig(d.connString)
	if err != nil {
		return err
	}
	p, err := pgxpool.NewWithConfig(context.Background(), c)
	if err != nil {
		return err
	}
	d.p = p
	return nil
}

func (d *PgStore) Stop() error {
	d.p.Close()
	return nil
}

func (d *PgStore) Fetch(ctx context.Context, gk configapi.GroupKey, tag string) (configapi.ConfigItem, bool, error) {
	var content []byte
	var updated int64
	var srcUser, srcIp string
	err := d.p.QueryRow(ctx,
		"select content, time_updated, src_user, src_ip from config_info where data_id = $1 and group_id = $2 and tenant_id = $3 and tag = $4 and cfg_status = $5",
		gk.DataId, gk.Group, gk.Tenant, tag, configStatusNormal).Scan(&content, &updated, &srcUser, &srcIp)
	if errors.Is(err, pgx.ErrNoRows) {
		return configapi.ConfigItem{}, false, nil
	} else if err != nil {
		return configapi.ConfigItem{}, false, err
	}
	return configapi.ConfigItem{
		GroupKey:     gk,
		Tag:          tag,
		Content:      content,
		LastModified: updated,
		SrcUser:      srcUser,
		SrcIp:        srcIp,
	}, true, nil
}

// PurgeTombstones removes soft deleted rows older than beforeMillis
func (d *PgStore) PurgeTombstones(ctx context.Context, beforeMillis int64) (int, error) {
	tag, err := d.p.Exec(ctx, "delete from config_info where cfg_status = $1 and time_updated < $2", configStatusDeleted, beforeMillis)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (d *PgStore) FetchChangedSince(ctx context.Context, sinceMillis int64) ([]configapi.ChangedKey, error) {
	c, err := d.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Release()

	var result []configapi.ChangedKey
	var start int64 = 0
	for {
		list, last, n, err := d.queryChangedKeys(ctx, c, sinceMillis, start)
		if err != nil {
			return nil, err
		}
		result = append(result, list...)
		if n < maxRowPerQuery {
			break
		}
		start = last
	}
	return result, nil
}

// queryChangedKeys returns one page ordered by cfg_id, the last cfg_id and the row count of the page
func (d *PgStore) queryChangedKeys(ctx context.Context, c *pgxpool.Conn, sinceMillis, startExcluded int64) ([]configapi.ChangedKey, int64, int, error) {
	var rows pgx.Rows
	var err error
	if sinceMillis <= 0 {
		rows, err = c.Query(ctx,
			"select cfg_id, data_id, group_id, tenant_id, tag from config_info where cfg_status = $1 and cfg_id > $2 order by cfg_id asc limit $3",
			configStatusNormal, startExcluded, maxRowPerQuery)
	} else {
		rows, err = c.Query(ctx,
			"select cfg_id, data_id, group_id, tenant_id, tag from config_info where time_updated > $1 and cfg_id > $2 order by cfg_id asc limit $3",
			sinceMillis, startExcluded, maxRowPerQuery)
	}
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	var res []configapi.ChangedKey
	var last int64
	var n int
	for rows.Next() {
		var dataId, group, tenant, tag string
		if err := rows.Scan(&last, &dataId, &group, &tenant, &tag); err != nil {
			return nil, 0, 0, err
		}
		n++
		gk, err := configapi.NewGroupKey(dataId, group, tenant)
		if err != nil {
			log.Errorw("skip invalid group key", "cfg_id", last, "dataId", dataId, "group", group, "tenant", tenant)
			continue
		}
		res = append(res, configapi.ChangedKey{GroupKey: gk, Tag: tag})
	}
	return res, last, n, rows.Err()
}

var _ configapi.PersistentStore = new(PgStore)
var _ configapi.TombstonePurger = new(PgStore)
