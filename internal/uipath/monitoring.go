package uipath

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// JobsStats 返回各状态作业数量及总数
func (c *Client) JobsStats(ctx context.Context, cc models.CredentialContext) (map[string]any, error) {
	var stats []map[string]any
	err := c.do(ctx, cc, request{method: http.MethodGet, path: "api/Stats/GetJobsStats"}, &stats)
	if err != nil {
		return nil, err
	}

	total := 0.0
	for _, s := range stats {
		if n, ok := s["count"].(float64); ok {
			total += n
		} else if n, ok := s["Count"].(float64); ok {
			total += n
		}
	}
	if stats == nil {
		stats = []map[string]any{}
	}
	return map[string]any{"stats": stats, "total": int(total)}, nil
}

// FinishedJobsEvolution 时间窗口内已完成作业的变化趋势
func (c *Client) FinishedJobsEvolution(ctx context.Context, cc models.CredentialContext, folderID string, timeFrameMinutes int) (any, error) {
	var out any
	err := c.do(ctx, cc, request{
		method:     http.MethodGet,
		path:       "monitoring/JobsMonitoring/GetFinishedJobsEvolution",
		query:      url.Values{"timeFrameMinutes": {strconv.Itoa(timeFrameMinutes)}},
		folderID:   folderID,
		monitoring: true,
	}, &out)
	return out, err
}

// TablePage 监控表格分页参数
type TablePage struct {
	TimeFrameMinutes int
	PageNo           int
	PageSize         int
}

func (p TablePage) query(orderBy string) url.Values {
	if p.PageNo <= 0 {
		p.PageNo = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = 100
	}
	return url.Values{
		"timeFrameMinutes": {strconv.Itoa(p.TimeFrameMinutes)},
		"pageNo":           {strconv.Itoa(p.PageNo)},
		"pageSize":         {strconv.Itoa(p.PageSize)},
		"orderBy":          {orderBy},
		"direction":        {"asc"},
	}
}

// ProcessesTable 各流程执行统计
func (c *Client) ProcessesTable(ctx context.Context, cc models.CredentialContext, folderID string, page TablePage) (any, error) {
	var out any
	err := c.do(ctx, cc, request{
		method:     http.MethodGet,
		path:       "monitoring/JobsMonitoring/GetProcessesTable",
		query:      page.query("processName"),
		folderID:   folderID,
		monitoring: true,
	}, &out)
	return out, err
}

// QueuesHealthState 队列健康状态
func (c *Client) QueuesHealthState(ctx context.Context, cc models.CredentialContext, folderID string, timeFrameMinutes int) (any, error) {
	var out any
	err := c.do(ctx, cc, request{
		method:     http.MethodPost,
		path:       "monitoring/QueuesMonitoring/GetQueuesHealthState",
		folderID:   folderID,
		body:       map[string]string{"timeFrameMinutes": strconv.Itoa(timeFrameMinutes)},
		monitoring: true,
	}, &out)
	return out, err
}

// QueuesTable 各队列统计
func (c *Client) QueuesTable(ctx context.Context, cc models.CredentialContext, folderID string, page TablePage) (any, error) {
	var out any
	err := c.do(ctx, cc, request{
		method:     http.MethodGet,
		path:       "monitoring/QueuesMonitoring/GetQueuesTable",
		query:      page.query("queueName"),
		folderID:   folderID,
		monitoring: true,
	}, &out)
	return out, err
}

// Schedule 流程触发器
type Schedule struct {
	Enabled        bool   `json:"enabled"`
	Name           string `json:"name"`
	ReleaseName    string `json:"release_name"`
	CronSummary    string `json:"cron_summary"`
	NextOccurrence string `json:"next_occurrence"`
	TimeZone       string `json:"time_zone"`
}

type scheduleDTO struct {
	Enabled                    bool   `json:"Enabled"`
	Name                       string `json:"Name"`
	ReleaseName                string `json:"ReleaseName"`
	StartProcessCronSummary    string `json:"StartProcessCronSummary"`
	StartProcessNextOccurrence string `json:"StartProcessNextOccurrence"`
	TimeZoneID                 string `json:"TimeZoneId"`
}

// ProcessSchedules 文件夹中的触发器列表
func (c *Client) ProcessSchedules(ctx context.Context, cc models.CredentialContext, folderID string, top int) ([]Schedule, error) {
	if top <= 0 {
		top = 100
	}
	var resp odataList[scheduleDTO]
	err := c.do(ctx, cc, request{
		method:     http.MethodGet,
		path:       "odata/ProcessSchedules",
		query:      url.Values{"$top": {strconv.Itoa(top)}, "$orderby": {"Name asc"}},
		folderID:   folderID,
		monitoring: true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	schedules := make([]Schedule, 0, len(resp.Value))
	for _, s := range resp.Value {
		schedules = append(schedules, Schedule{
			Enabled:        s.Enabled,
			Name:           s.Name,
			ReleaseName:    s.ReleaseName,
			CronSummary:    s.StartProcessCronSummary,
			NextOccurrence: s.StartProcessNextOccurrence,
			TimeZone:       s.TimeZoneID,
		})
	}
	return schedules, nil
}

// Bucket 存储桶
type Bucket struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Identifier       string `json:"identifier"`
	FoldersCount     int    `json:"folders_count"`
	StorageProvider  string `json:"storage_provider"`
	StorageContainer string `json:"storage_container"`
	Options          string `json:"options"`
}

type bucketDTO struct {
	ID               int64  `json:"Id"`
	Name             string `json:"Name"`
	Description      string `json:"Description"`
	Identifier       string `json:"Identifier"`
	FoldersCount     int    `json:"FoldersCount"`
	StorageProvider  string `json:"StorageProvider"`
	StorageContainer string `json:"StorageContainer"`
	Options          string `json:"Options"`
}

// BucketQuery 存储桶查询参数
type BucketQuery struct {
	Name string
	Top  int
	Skip int
}

// BucketList 存储桶分页结果
type BucketList struct {
	Buckets    []Bucket `json:"buckets"`
	TotalCount int      `json:"total_count"`
}

// StorageBuckets 列出存储桶，Name 做包含匹配
func (c *Client) StorageBuckets(ctx context.Context, cc models.CredentialContext, folderID string, q BucketQuery) (*BucketList, error) {
	if q.Top <= 0 {
		q.Top = 100
	}
	query := url.Values{
		"$top":     {strconv.Itoa(q.Top)},
		"$skip":    {strconv.Itoa(q.Skip)},
		"$orderby": {"Name asc"},
		"$count":   {"true"},
	}
	if q.Name != "" {
		query.Set("$filter", fmt.Sprintf("contains(Name,'%s')", odataString(q.Name)))
	}

	var resp odataList[bucketDTO]
	err := c.do(ctx, cc, request{
		method:     http.MethodGet,
		path:       "odata/Buckets",
		query:      query,
		folderID:   folderID,
		monitoring: true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	list := &BucketList{Buckets: make([]Bucket, 0, len(resp.Value))}
	for _, b := range resp.Value {
		list.Buckets = append(list.Buckets, Bucket(b))
	}
	list.TotalCount = len(list.Buckets)
	if resp.Count != nil {
		list.TotalCount = *resp.Count
	}
	return list, nil
}

// BucketByName 按名称精确查找存储桶，未找到返回 nil
func (c *Client) BucketByName(ctx context.Context, cc models.CredentialContext, folderID, name string) (*Bucket, error) {
	list, err := c.StorageBuckets(ctx, cc, folderID, BucketQuery{Name: name})
	if err != nil {
		return nil, err
	}
	for i := range list.Buckets {
		if list.Buckets[i].Name == name {
			return &list.Buckets[i], nil
		}
	}
	return nil, nil
}

// UploadURL 存储桶写入地址
type UploadURL struct {
	URI       string         `json:"uri"`
	Verb      string         `json:"verb"`
	Headers   map[string]any `json:"headers"`
	Directory string         `json:"directory"`
	FullPath  string         `json:"full_path"`
}

// BucketUploadURL 获取文件写入地址，路径为 directory/fileName
func (c *Client) BucketUploadURL(ctx context.Context, cc models.CredentialContext, folderID string, bucketID int64, directory, fileName, contentType string) (*UploadURL, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	fullPath := strings.Trim(directory, "/") + "/" + fileName

	var resp struct {
		URI     string         `json:"Uri"`
		Verb    string         `json:"Verb"`
		Headers map[string]any `json:"Headers"`
	}
	err := c.do(ctx, cc, request{
		method: http.MethodGet,
		path:   fmt.Sprintf("odata/Buckets(%d)/UiPath.Server.Configuration.OData.GetWriteUri", bucketID),
		query: url.Values{
			// Orchestrator 以反斜杠作为路径分隔符前缀
			"path":        {"\\" + fullPath},
			"contentType": {contentType},
		},
		folderID:   folderID,
		monitoring: true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := &UploadURL{
		URI:       resp.URI,
		Verb:      resp.Verb,
		Headers:   resp.Headers,
		Directory: directory,
		FullPath:  fullPath,
	}
	if out.Verb == "" {
		out.Verb = http.MethodPut
	}
	if out.Headers == nil {
		out.Headers = map[string]any{}
	}
	return out, nil
}
