package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	wfv1 "github.com/argoproj/argo-workflows/v3/pkg/apis/workflow/v1alpha1"
	k8sv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	k8smeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/yaml"
)

var (
	shell bool
	jobid string
)

func int32Ptr(val int32) *int32 {
	a := val
	return &a
}

func intOrStringPtr(val int) *intstr.IntOrString {
	a := intstr.FromInt(val)
	return &a
}

func resourcePtr(val string) *resource.Quantity {
	res := resource.MustParse(val)
	return &res
}

func printCommand(cmd []string) string {
	sb := strings.Builder{}
	for i, c := range cmd {
		if i != 0 {
			fmt.Fprintf(&sb, " ")
		}
		fmt.Fprintf(&sb, "%q", c)
	}
	return sb.String()
}

var workflowCmd = &cobra.Command{
	Use:   "workflow image metadata.json links.txt corine_table gs://outroot",
	Short: "emit an argo workflow running the full pipeline",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		image := args[0]
		metaFile := args[1]
		linksFile := args[2]
		corine := args[3]
		outroot := args[4]

		if jobid == "" {
			jobid = uuid.New().String()
		}

		commands := [][]string{
			{"s2pg", "fetch", linksFile, "/scratch/raw"},
			{"s2pg", "convert", "/scratch/raw", "--out", "/scratch/tif"},
			{"s2pg", "ingest", "/scratch/tif", "/scratch/imported.txt"},
			{"s2pg", "export", metaFile, corine, outroot},
		}
		names := []string{"fetch", "convert", "ingest", "export"}

		if shell {
			for _, c := range commands {
				fmt.Println(printCommand(c))
			}
			return nil
		}

		wf := &wfv1.Workflow{
			ObjectMeta: k8smeta.ObjectMeta{
				GenerateName: "s2pg-",
				Labels:       map[string]string{"s2pg/job": jobid},
			},
			TypeMeta: k8smeta.TypeMeta{
				APIVersion: "argoproj.io/v1alpha1",
				Kind:       "Workflow",
			},
			Spec: wfv1.WorkflowSpec{
				TTLStrategy: &wfv1.TTLStrategy{
					SecondsAfterSuccess: int32Ptr(3600),
				},
				Entrypoint: "s2pg",
				TemplateDefaults: &wfv1.Template{
					Volumes: []k8sv1.Volume{
						{
							Name: "scratch",
							VolumeSource: k8sv1.VolumeSource{
								EmptyDir: &k8sv1.EmptyDirVolumeSource{
									SizeLimit: resourcePtr("20G"),
								},
							},
						},
					},
					Container: &k8sv1.Container{
						ImagePullPolicy: k8sv1.PullAlways,
						Resources: k8sv1.ResourceRequirements{
							Requests: k8sv1.ResourceList{
								k8sv1.ResourceCPU:    resource.MustParse("2"),
								k8sv1.ResourceMemory: resource.MustParse("2G"),
							},
						},
						WorkingDir: "/scratch",
						VolumeMounts: []k8sv1.VolumeMount{
							{
								Name:      "scratch",
								MountPath: "/scratch",
							},
						},
					},
				},
				Templates: []wfv1.Template{
					{Name: "s2pg"},
				},
			},
		}

		for i, c := range commands {
			step := wfv1.WorkflowStep{
				Name: names[i],
				Inline: &wfv1.Template{
					RetryStrategy: &wfv1.RetryStrategy{
						Limit: intOrStringPtr(5),
					},
					Metadata: wfv1.Metadata{
						Annotations: map[string]string{
							"cluster-autoscaler.kubernetes.io/safe-to-evict": "false",
						},
					},
					Container: &k8sv1.Container{
						Name:    names[i],
						Image:   image,
						Command: c,
					},
				},
			}
			wf.Spec.Templates[0].Steps = append(wf.Spec.Templates[0].Steps,
				wfv1.ParallelSteps{
					Steps: []wfv1.WorkflowStep{step},
				})
		}

		yb, err := yaml.Marshal(wf)
		if err != nil {
			return err
		}
		fmt.Println(string(yb))
		return nil
	},
}
